// Package progress carries generation run status from the orchestrator to a
// single consumer, typically an HTTP handler streaming line-delimited JSON.
package progress

import "sync"

// EventType identifies the kind of pipeline event.
type EventType string

const (
	TypeProgress     EventType = "progress"
	TypeOutline      EventType = "outline"
	TypeScript       EventType = "script"
	TypeImage        EventType = "image"
	TypeVideoSegment EventType = "video_segment"
	TypeVideoFinal   EventType = "video_final"
	TypeError        EventType = "error"
	TypeComplete     EventType = "complete"
)

// Event is one progress update. Progress is a percentage in [0,100] and never
// decreases across a run; the bus clamps regressions to the high-water mark.
type Event struct {
	Type     EventType      `json:"type"`
	Step     string         `json:"step"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	Progress int            `json:"progress"`
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Type == TypeError || e.Type == TypeComplete
}

const defaultBuffer = 64

// Bus is a one-writer, one-reader event channel. Emit never blocks the
// pipeline: when the reader stalls and the buffer fills, events are dropped.
// Exactly one terminal event (error or complete) is delivered; everything
// after it is discarded. Close is idempotent and Emit after Close is a
// silent no-op.
type Bus struct {
	mu        sync.Mutex
	ch        chan Event
	closed    bool
	terminal  bool
	highWater int
}

// NewBus constructs a bus with the default buffer size.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, defaultBuffer)}
}

// Events returns the consumer side of the bus. The channel is closed after
// the terminal event (or an explicit Close).
func (b *Bus) Events() <-chan Event { return b.ch }

// Emit publishes an event. Progress regressions are clamped to the current
// high-water mark. Terminal events close the bus after delivery.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.terminal {
		return
	}
	if event.Progress < b.highWater {
		event.Progress = b.highWater
	} else {
		b.highWater = event.Progress
	}
	if event.Terminal() {
		b.terminal = true
	}
	select {
	case b.ch <- event:
	default:
		// Reader stalled; drop rather than block generation. Terminal
		// events must not be lost, so spill the oldest buffered event.
		if event.Terminal() {
			select {
			case <-b.ch:
			default:
			}
			b.ch <- event
		}
	}
	if b.terminal {
		b.closed = true
		close(b.ch)
	}
}

// Complete publishes the successful terminal event at 100%.
func (b *Bus) Complete(step, message string, data map[string]any) {
	b.Emit(Event{Type: TypeComplete, Step: step, Message: message, Data: data, Progress: 100})
}

// Fail publishes the failing terminal event at the current progress mark.
func (b *Bus) Fail(step, message string, data map[string]any) {
	b.mu.Lock()
	mark := b.highWater
	b.mu.Unlock()
	b.Emit(Event{Type: TypeError, Step: step, Message: message, Data: data, Progress: mark})
}

// Close shuts the bus without a terminal event, for callers abandoning a run
// (for example on client disconnect). Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
