package narration

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStatus   EventType = "status"
	EventAudio    EventType = "audio"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// User-facing status lines.
const (
	StatusProcessing    = "Processing text..."
	StatusGenerating    = "Generating audio (%d)..."
	StatusCancelled     = "Narration cancelled."
	ReasonStoppedByUser = "Stopped by user"
	ReasonSuperseded    = "Starting a new request"
)

// AudioChunk is one synthesised chunk, in chunk order.
type AudioChunk struct {
	Index  int
	Audio  []byte
	Format string
}

// Event is everything a narration run reports. Exactly one of Status,
// Chunk or Message is meaningful, depending on Type.
type Event struct {
	Type       EventType
	SessionKey string
	RunID      string
	Status     string
	Chunk      *AudioChunk
	Message    string
	Time       time.Time
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventComplete || (e.Type == EventStatus && e.Status == StatusCancelled)
}

// Sink receives narration events. Events for one run arrive from a single
// goroutine in order, but a stop request can emit concurrently, so
// implementations must be safe for concurrent use and should not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Fanout is a MultiSink that sinks can join after the narrator is built,
// e.g. transports that themselves need the narrator.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: append([]Sink(nil), sinks...)}
}

func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *Fanout) Emit(e Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	MultiSink(sinks).Emit(e)
}

// MemorySink is a Sink that keeps every event in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewMemorySink() *MemorySink {
	return &MemorySink{notify: make(chan struct{}, 1)}
}

func (r *MemorySink) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *MemorySink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Changed is signalled after each Emit.
func (r *MemorySink) Changed() <-chan struct{} {
	return r.notify
}
