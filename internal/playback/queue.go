// Package playback plays synthesised chunks strictly in arrival order.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("playback: queue closed")

// Item is one buffered chunk.
type Item struct {
	Index  int
	Audio  []byte
	Format string
}

// Player plays one item and returns when it has finished or ctx ends.
type Player interface {
	Play(ctx context.Context, item Item) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, item Item) error

func (f PlayerFunc) Play(ctx context.Context, item Item) error { return f(ctx, item) }

// Queue is a FIFO in front of a Player. It never reorders: callers enqueue
// chunks in index order and they are played in that order.
type Queue struct {
	player Player
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	items       []Item
	playing     bool
	stopCurrent context.CancelFunc
	idle        chan struct{}
	closed      bool
}

func NewQueue(parent context.Context, player Player, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		player: player,
		logger: log.With(slog.String("component", "playback-queue")),
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

// Enqueue appends a chunk and starts playback if nothing is playing.
func (q *Queue) Enqueue(index int, audio []byte, format string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, Item{Index: index, Audio: audio, Format: format})
	if !q.playing {
		q.playing = true
		q.idle = make(chan struct{})
		q.wg.Add(1)
		go q.drain()
	}
	return nil
}

// Reset stops the current item and discards everything buffered.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if q.stopCurrent != nil {
		q.stopCurrent()
	}
}

// Len is the number of items waiting behind the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Wait blocks until the queue has drained or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close discards buffered items, stops playback and waits for the player.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.closed {
			q.playing = false
			q.stopCurrent = nil
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = Item{}
		q.items = q.items[1:]
		ctx, stop := context.WithCancel(q.ctx)
		q.stopCurrent = stop
		q.mu.Unlock()

		err := q.player.Play(ctx, item)
		interrupted := ctx.Err() != nil
		stop()
		if err != nil && !interrupted {
			q.logger.Warn("playback failed, skipping chunk", slog.Int("chunk_index", item.Index), slog.String("error", err.Error()))
		}
	}
}
