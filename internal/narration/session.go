package narration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// TextChunk is one unit of synthesis with the voice chosen for it.
type TextChunk struct {
	Index   int
	Content string
	Voice   voice.Selection
}

// Plan splits text into chunks of at most chunkSize runes and picks a voice
// for each.
func Plan(text string, chunkSize int, preferredVoice string, sel voice.Selector) []TextChunk {
	if sel == nil {
		sel = voice.Select
	}
	parts := chunker.Split(text, chunkSize)
	chunks := make([]TextChunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, TextChunk{Index: i, Content: part, Voice: sel(part, preferredVoice)})
	}
	return chunks
}

// Session is one narration run for a key.
type Session struct {
	key      string
	runID    string
	text     string
	title    string
	url      string
	settings Settings
	created  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	emitted atomic.Int32
	done    chan struct{}
	// stopped is closed once a Stop or supersede has reported its reason.
	stopped chan struct{}

	// predecessors must have fully terminated before this run emits.
	predecessors []*Session
}

func newSession(parent context.Context, key, runID, text string, settings Settings, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		key:      key,
		runID:    runID,
		text:     text,
		settings: settings,
		created:  now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (s *Session) Key() string        { return s.key }
func (s *Session) RunID() string      { return s.runID }
func (s *Session) Title() string      { return s.title }
func (s *Session) URL() string        { return s.url }
func (s *Session) Settings() Settings { return s.settings }
func (s *Session) Created() time.Time { return s.created }
func (s *Session) State() State       { return State(s.state.Load()) }

// ChunksEmitted is the number of audio chunks delivered so far.
func (s *Session) ChunksEmitted() int { return int(s.emitted.Load()) }

// Done is closed once the run has emitted its terminal event.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancelled reports whether Stop (or shutdown) has been requested.
func (s *Session) Cancelled() bool { return s.ctx.Err() != nil }

// Wait blocks until the run terminates or ctx ends.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }
