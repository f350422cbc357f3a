package bridge

import "testing"

func TestBufferFIFO(t *testing.T) {
	b := newEventBuffer(10)
	b.Append(Event{"type": "token", "seq": 1})
	b.Append(Event{"type": "token", "seq": 2})

	events := b.TakeAll()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["seq"] != 1 || events[1]["seq"] != 2 {
		t.Errorf("events out of order: %v", events)
	}
	if b.Len() != 0 {
		t.Errorf("buffer should be empty after TakeAll")
	}
}

func TestBufferEvictsFirstNonCritical(t *testing.T) {
	b := newEventBuffer(3)
	b.Append(Event{"type": EventExecutionComplete, "seq": 1})
	b.Append(Event{"type": "token", "seq": 2})
	b.Append(Event{"type": EventError, "seq": 3})

	// Overflow: the non-critical token at position 1 goes, not the oldest.
	b.Append(Event{"type": EventSnapshotReady, "seq": 4})

	events := b.TakeAll()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	seqs := []any{events[0]["seq"], events[1]["seq"], events[2]["seq"]}
	if seqs[0] != 1 || seqs[1] != 3 || seqs[2] != 4 {
		t.Errorf("unexpected surviving events: %v", seqs)
	}
}

func TestBufferEvictsOldestWhenAllCritical(t *testing.T) {
	b := newEventBuffer(2)
	b.Append(Event{"type": EventExecutionComplete, "seq": 1})
	b.Append(Event{"type": EventError, "seq": 2})
	b.Append(Event{"type": EventSnapshotReady, "seq": 3})

	events := b.TakeAll()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["seq"] != 2 || events[1]["seq"] != 3 {
		t.Errorf("oldest critical should be evicted: %v", events)
	}
}

func TestBufferPutBack(t *testing.T) {
	b := newEventBuffer(10)
	b.Append(Event{"seq": 3})

	b.PutBack([]Event{{"seq": 1}, {"seq": 2}})

	events := b.TakeAll()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e["seq"] != i+1 {
			t.Errorf("position %d: got seq %v", i, e["seq"])
		}
	}
}
