package coordination

import "testing"

func TestSlotAssignerIsDeterministic(t *testing.T) {
	assigner := NewSlotAssigner([]string{"slot-a", "slot-b", "slot-c"})
	first := assigner.Slot("1.2.3.4:443")
	for i := 0; i < 10; i++ {
		if got := assigner.Slot("1.2.3.4:443"); got != first {
			t.Fatalf("expected stable slot assignment, got %s then %s", first, got)
		}
	}
}

func TestSlotAssignerSpreadsAcrossSlots(t *testing.T) {
	slots := []string{"slot-a", "slot-b", "slot-c", "slot-d"}
	assigner := NewSlotAssigner(slots)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key := "endpoint-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		seen[assigner.Slot(key)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected assignments to spread across multiple slots, got %v", seen)
	}
}

func TestCycleCountersIncrement(t *testing.T) {
	c := NewCycleCounters()
	c.RecordCheck()
	c.RecordCheck()
	c.RecordProbe()

	if got := c.ChecksThisCycle.Load(); got != 2 {
		t.Fatalf("expected 2 checks, got %d", got)
	}
	if got := c.ProbesThisCycle.Load(); got != 1 {
		t.Fatalf("expected 1 probe, got %d", got)
	}
}
