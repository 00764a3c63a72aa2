package extract

import (
	"reflect"
	"testing"
)

func TestLinesBasic(t *testing.T) {
	in := "vless://a@host:443?x=1\n# a comment\n\ntrojan://b@host2:443"
	got := Lines(in)
	want := []string{"vless://a@host:443?x=1", "trojan://b@host2:443"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLinesDeduplicatesPreservingOrder(t *testing.T) {
	in := "vless://a@h:1\nvless://a@h:1\ntrojan://b@h:2"
	got := Lines(in)
	want := []string{"vless://a@h:1", "trojan://b@h:2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLinesSplitsConcatenatedURIs(t *testing.T) {
	in := "vless://a@h:1?x=1vmess://eyJ9"
	got := Lines(in)
	if len(got) != 2 {
		t.Fatalf("expected split into 2 entries, got %v", got)
	}
}

func TestLinesStripsQuotesAndBackticks(t *testing.T) {
	in := "`vless://a@h:1`\n\"trojan://b@h:2\""
	got := Lines(in)
	want := []string{"vless://a@h:1", "trojan://b@h:2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLinesIdempotent(t *testing.T) {
	in := "vless://a@h:1?x=1\ntrojan://b@h:2\nvmess://eyJ9"
	once := Lines(in)
	twice := Lines(joinLines(once))
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("extraction not idempotent: %v vs %v", once, twice)
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
