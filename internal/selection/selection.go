// Package selection implements the top-K pool selection with
// endpoint-deduplication and fallback top-up (spec.md §4.6).
package selection

import (
	"sort"
	"time"

	"stablepool/internal/state"
)

// Picked pairs a state key with its entry, in selection order.
type Picked struct {
	Key   string
	Entry *state.Entry
}

// Select returns up to k entries from configs: healthy entries first,
// ranked by (score, last_success) descending with endpoint
// deduplication, then — if fewer than k were chosen — topped up with
// whatever remaining entries exist (ignoring health and dedup), exactly
// as spec.md §4.6 describes.
func Select(configs map[string]*state.Entry, now time.Time, preds state.Predicates, k int) []Picked {
	type candidateEntry struct {
		key   string
		entry *state.Entry
	}

	var healthy []candidateEntry
	for key, entry := range configs {
		if state.Healthy(entry, now, preds) {
			healthy = append(healthy, candidateEntry{key, entry})
		}
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		a, b := healthy[i].entry, healthy[j].entry
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.LastSuccess > b.LastSuccess
	})

	var selected []Picked
	used := make(map[string]struct{})
	selectedKeys := make(map[string]struct{})

	for _, ce := range healthy {
		if ce.entry.EndpointKey != "" {
			if _, dup := used[ce.entry.EndpointKey]; dup {
				continue
			}
		}
		selected = append(selected, Picked{ce.key, ce.entry})
		selectedKeys[ce.key] = struct{}{}
		if ce.entry.EndpointKey != "" {
			used[ce.entry.EndpointKey] = struct{}{}
		}
		if len(selected) >= k {
			return selected
		}
	}

	if len(selected) < k {
		// Top-up: any remaining entries (healthy or not), ordered by
		// (score, last_success) descending like the healthy pass; entries
		// equal on both have no defined order — spec.md §4.6 step 4
		// intentionally admits unhealthy entries here rather than
		// inventing healthy ones.
		var rest []candidateEntry
		for key, entry := range configs {
			if _, already := selectedKeys[key]; already {
				continue
			}
			rest = append(rest, candidateEntry{key, entry})
		}
		sort.SliceStable(rest, func(i, j int) bool {
			a, b := rest[i].entry, rest[j].entry
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.LastSuccess > b.LastSuccess
		})
		for _, ce := range rest {
			selected = append(selected, Picked{ce.key, ce.entry})
			if len(selected) >= k {
				break
			}
		}
	}

	return selected
}
