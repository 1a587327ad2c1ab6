package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	mu      sync.Mutex
	played  []int
	started chan int
	block   chan struct{}
	fail    map[int]bool
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{started: make(chan int, 32), fail: map[int]bool{}}
}

func (p *recordingPlayer) Play(ctx context.Context, item Item) error {
	p.started <- item.Index
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.played = append(p.played, item.Index)
	p.mu.Unlock()
	if p.fail[item.Index] {
		return errors.New("decoder crashed")
	}
	return nil
}

func (p *recordingPlayer) Played() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.played...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueuePlaysInArrivalOrder(t *testing.T) {
	player := newRecordingPlayer()
	q := NewQueue(context.Background(), player, newLogger())
	defer q.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(i, []byte{byte(i)}, "mp3"))
	}
	waitIdle(t, q)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, player.Played())
	assert.False(t, q.Playing())
	assert.Zero(t, q.Len())
}

func TestQueueContinuesAfterPlaybackError(t *testing.T) {
	player := newRecordingPlayer()
	player.fail[1] = true
	q := NewQueue(context.Background(), player, newLogger())
	defer q.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(i, nil, "mp3"))
	}
	waitIdle(t, q)
	assert.Equal(t, []int{0, 1, 2}, player.Played())
}

func TestQueueResetDiscardsBuffered(t *testing.T) {
	player := newRecordingPlayer()
	player.block = make(chan struct{})
	q := NewQueue(context.Background(), player, newLogger())
	defer q.Close()

	require.NoError(t, q.Enqueue(0, nil, "mp3"))
	require.NoError(t, q.Enqueue(1, nil, "mp3"))
	require.NoError(t, q.Enqueue(2, nil, "mp3"))
	assert.Equal(t, 0, <-player.started)
	assert.Equal(t, 2, q.Len())

	q.Reset()
	waitIdle(t, q)
	assert.Empty(t, player.Played(), "interrupted chunk must not count as played")

	close(player.block)
	require.NoError(t, q.Enqueue(7, nil, "mp3"))
	waitIdle(t, q)
	assert.Equal(t, []int{7}, player.Played())
}

func TestQueueWaitHonoursContext(t *testing.T) {
	player := newRecordingPlayer()
	player.block = make(chan struct{})
	q := NewQueue(context.Background(), player, newLogger())
	defer q.Close()

	require.NoError(t, q.Enqueue(0, nil, "mp3"))
	<-player.started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
	assert.True(t, q.Playing())
	close(player.block)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(context.Background(), newRecordingPlayer(), newLogger())
	q.Close()
	assert.ErrorIs(t, q.Enqueue(0, nil, "mp3"), ErrClosed)
	assert.NoError(t, q.Wait(context.Background()))
}

func TestDirectoryPlayerWritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	player, err := NewDirectoryPlayer(dir, "run")
	require.NoError(t, err)
	q := NewQueue(context.Background(), player, newLogger())
	defer q.Close()

	require.NoError(t, q.Enqueue(0, []byte("zero"), "mp3"))
	require.NoError(t, q.Enqueue(1, []byte("one"), ""))
	waitIdle(t, q)

	data, err := os.ReadFile(filepath.Join(dir, "run-0000.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "zero", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "run-0001.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestNewExecPlayer(t *testing.T) {
	p, err := NewExecPlayer(`mpg123 -q "-"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"mpg123", "-q", "-"}, p.cmd)

	_, err = NewExecPlayer("   ")
	assert.Error(t, err)
	_, err = NewExecPlayer(`mpg123 "unterminated`)
	assert.Error(t, err)
}

func TestExecPlayerPipesAudio(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "piped.mp3")
	p, err := NewExecPlayer("/bin/sh -c 'cat > " + out + "'")
	require.NoError(t, err)

	require.NoError(t, p.Play(context.Background(), Item{Index: 0, Audio: []byte("ID3"), Format: "mp3"}))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(data))

	failing, err := NewExecPlayer("/bin/sh -c 'echo boom >&2; exit 3'")
	require.NoError(t, err)
	err = failing.Play(context.Background(), Item{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
