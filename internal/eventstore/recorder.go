package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

const (
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateCancelled = "cancelled"
	RunStateFailed    = "failed"
	RunStateRejected  = "rejected"
)

// Recorder is a narration.Sink that writes the timeline in the background so
// a slow disk never stalls a narration run.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	events chan narration.Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store *Store, log *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "narration-recorder")),
		events: make(chan narration.Event, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Emit queues e. Events are dropped, with a warning, once the buffer is full
// or the recorder is closed.
func (r *Recorder) Emit(e narration.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.log.Warn("timeline buffer full, dropping event", slog.String("run_id", e.RunID), slog.String("type", string(e.Type)))
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.record(ctx, e); err != nil {
			r.log.Warn("failed to record narration event", slog.String("run_id", e.RunID), slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) record(ctx context.Context, e narration.Event) error {
	runID := e.RunID
	initial := RunStateRunning
	if runID == "" {
		// Rejected before a session existed.
		runID = uuid.NewString()
		initial = RunStateRejected
	}
	if err := r.store.AppendRun(ctx, runID, e.SessionKey, initial); err != nil {
		return err
	}

	evt := Event{RunID: runID, Type: string(e.Type), CreatedAt: e.Time}
	var state string
	chunks := 0
	switch e.Type {
	case narration.EventStatus:
		evt.Detail = e.Status
		if e.Status == narration.StatusCancelled {
			state = RunStateCancelled
		}
	case narration.EventAudio:
		if e.Chunk != nil {
			evt.ChunkIndex = e.Chunk.Index
			evt.AudioBytes = len(e.Chunk.Audio)
			evt.Detail = e.Chunk.Format
		}
		state = RunStateRunning
		chunks = 1
	case narration.EventError:
		evt.Detail = e.Message
		if initial != RunStateRejected {
			state = RunStateFailed
		}
	case narration.EventComplete:
		state = RunStateCompleted
	}

	if err := r.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	if state != "" {
		return r.store.UpdateRun(ctx, runID, state, chunks)
	}
	return nil
}
