package bridge

// MaxEventBufferSize bounds the number of events held while no socket is
// available.
const MaxEventBufferSize = 1000

// eventBuffer holds events that have not yet been written to a socket,
// in FIFO order. Not safe for concurrent use; the bridge serializes access.
type eventBuffer struct {
	events []Event
	max    int
}

func newEventBuffer(max int) *eventBuffer {
	return &eventBuffer{max: max}
}

// Append adds an event, evicting on overflow: the first non-critical entry
// goes first; when everything is critical, the oldest entry goes.
func (b *eventBuffer) Append(e Event) {
	if len(b.events) >= b.max {
		evicted := false
		for i, existing := range b.events {
			if !existing.IsCritical() {
				b.events = append(b.events[:i], b.events[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			b.events = b.events[1:]
		}
	}
	b.events = append(b.events, e)
}

// TakeAll removes and returns all buffered events in FIFO order.
func (b *eventBuffer) TakeAll() []Event {
	out := b.events
	b.events = nil
	return out
}

// PutBack restores events that failed to flush, ahead of anything appended
// meanwhile.
func (b *eventBuffer) PutBack(events []Event) {
	if len(events) == 0 {
		return
	}
	b.events = append(events, b.events...)
}

// Len returns the number of buffered events.
func (b *eventBuffer) Len() int {
	return len(b.events)
}
