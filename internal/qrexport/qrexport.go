// Package qrexport renders each selected candidate's raw URI to a PNG QR
// code, supplementing a feature the distilled spec dropped but the wider
// panel ecosystem (e.g. subscription QR export) carries (SPEC_FULL.md
// §4.12).
package qrexport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"

	"stablepool/internal/selection"
)

const qrSize = 256

// Write renders one PNG per picked candidate into dir, named after a
// sanitized endpoint_key, and removes any stale PNGs left over from
// candidates no longer selected.
func Write(dir string, picked []selection.Picked) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("qrexport: mkdir: %w", err)
	}

	wanted := make(map[string]struct{}, len(picked))
	for _, p := range picked {
		name := sanitize(p.Entry.EndpointKey) + ".png"
		wanted[name] = struct{}{}
		path := filepath.Join(dir, name)
		if err := qrcode.WriteFile(p.Entry.Raw, qrcode.Medium, qrSize, path); err != nil {
			return fmt.Errorf("qrexport: write %s: %w", path, err)
		}
	}

	return removeStale(dir, wanted)
}

func removeStale(dir string, wanted map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("qrexport: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		if _, keep := wanted[e.Name()]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("qrexport: remove stale %s: %w", e.Name(), err)
		}
	}
	return nil
}

// sanitize turns an endpoint_key like "1.2.3.4:443" into a filesystem-safe
// token.
func sanitize(endpointKey string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	s := replacer.Replace(endpointKey)
	if s == "" {
		s = "unknown"
	}
	return s
}
