package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/narration"
)

// Sink feeds one session key's audio into a Queue and ignores every other
// key. Stops, supersedes and errors discard whatever is still buffered,
// matching what a listener expects when they press stop.
type Sink struct {
	sessionKey string
	queue      *Queue
	logger     *slog.Logger
}

func NewSink(sessionKey string, queue *Queue, log *slog.Logger) *Sink {
	return &Sink{
		sessionKey: sessionKey,
		queue:      queue,
		logger:     log.With(slog.String("component", "playback-sink"), slog.String("session_key", sessionKey)),
	}
}

func (s *Sink) Emit(e narration.Event) {
	if e.SessionKey != s.sessionKey {
		return
	}
	apply(s.queue, e, s.logger)
}

// apply enqueues audio and flushes q when its run is stopped or fails.
func apply(q *Queue, e narration.Event, log *slog.Logger) {
	switch e.Type {
	case narration.EventAudio:
		if e.Chunk == nil {
			return
		}
		if err := q.Enqueue(e.Chunk.Index, e.Chunk.Audio, e.Chunk.Format); err != nil {
			log.Warn("dropping chunk", slog.Int("chunk_index", e.Chunk.Index), slog.String("error", err.Error()))
		}
	case narration.EventError:
		q.Reset()
	case narration.EventStatus:
		if e.Status == narration.ReasonStoppedByUser || e.Status == narration.ReasonSuperseded {
			q.Reset()
		}
	}
}

// PlayerFactory builds the player for one session key.
type PlayerFactory func(sessionKey string) (Player, error)

// Router gives every session key its own Queue, so sessions never share
// buffers and stopping one never touches another. A key's queue is released
// once its run has ended and the queue has drained.
type Router struct {
	ctx       context.Context
	newPlayer PlayerFactory
	logger    *slog.Logger
	wg        sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

func NewRouter(ctx context.Context, newPlayer PlayerFactory, log *slog.Logger) *Router {
	return &Router{
		ctx:       ctx,
		newPlayer: newPlayer,
		logger:    log.With(slog.String("component", "playback-router")),
		queues:    make(map[string]*Queue),
	}
}

func (r *Router) Emit(e narration.Event) {
	log := r.logger.With(slog.String("session_key", e.SessionKey))
	if e.Type == narration.EventAudio {
		// Holding mu across Enqueue keeps release from closing a queue that
		// is about to receive audio.
		r.mu.Lock()
		q := r.queueLocked(e.SessionKey)
		if q != nil {
			apply(q, e, log)
		}
		r.mu.Unlock()
		return
	}

	q := r.Queue(e.SessionKey)
	if q == nil {
		return
	}
	apply(q, e, log)
	if e.Terminal() {
		r.release(e.SessionKey, q)
	}
}

// Queue returns the live queue for sessionKey, or nil.
func (r *Router) Queue(sessionKey string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[sessionKey]
}

// Keys reports how many session keys currently hold a queue.
func (r *Router) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

func (r *Router) queueLocked(key string) *Queue {
	if r.closed {
		return nil
	}
	if q, ok := r.queues[key]; ok {
		return q
	}
	player, err := r.newPlayer(key)
	if err != nil {
		r.logger.Warn("failed to create player", slog.String("session_key", key), slog.String("error", err.Error()))
		return nil
	}
	q := NewQueue(r.ctx, player, r.logger)
	r.queues[key] = q
	return q
}

// release closes q once it drains, unless a new run for the key has started
// feeding it in the meantime.
func (r *Router) release(key string, q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := q.Wait(r.ctx); err != nil {
			return
		}
		r.mu.Lock()
		if r.queues[key] != q || q.Playing() || q.Len() > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.queues, key)
		r.mu.Unlock()
		q.Close()
	}()
}

// Close stops every queue and waits for pending releases.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	queues := r.queues
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
	r.wg.Wait()
}
