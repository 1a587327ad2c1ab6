package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type synthFunc func(ctx context.Context, req polly.SpeechRequest) ([]byte, error)

func (f synthFunc) Synthesize(ctx context.Context, req polly.SpeechRequest) ([]byte, error) {
	return f(ctx, req)
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newService(t *testing.T, synth narration.Synthesizer) (*Service, *bus.Client) {
	t.Helper()
	client := startBus(t)
	svc := NewService(context.Background(), config.NarrationConfig{Enabled: true}, client, newLogger())
	settings := narration.StaticSettings(narration.Settings{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"})
	n := narration.New(context.Background(), config.NarrationConfig{}, synth, settings, svc, newLogger())
	svc.Bind(n)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		n.Close()
	})
	return svc, client
}

func subscribe(t *testing.T, client *bus.Client, subject string) *nats.Subscription {
	t.Helper()
	sub, err := client.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return sub
}

func TestStartPublishesAudioAndComplete(t *testing.T) {
	svc, client := newService(t, synthFunc(func(ctx context.Context, req polly.SpeechRequest) ([]byte, error) {
		return []byte("mp3"), nil
	}))
	if !svc.Healthy() {
		t.Fatalf("expected healthy service")
	}
	audioSub := subscribe(t, client, protocol.SubjectNarrationAudio)
	completeSub := subscribe(t, client, protocol.SubjectNarrationComplete)
	statusSub := subscribe(t, client, protocol.SubjectNarrationStatus)

	if err := client.PublishJSON(protocol.SubjectNarrationStart, protocol.StartNarration{SessionKey: "tab-9", Text: "Hello. This is a test."}); err != nil {
		t.Fatalf("publish start: %v", err)
	}

	msg, err := audioSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await audio: %v", err)
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if chunk.SessionKey != "tab-9" || chunk.ChunkIndex != 0 || string(chunk.Audio) != "mp3" || chunk.Format != "mp3" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	msg, err = completeSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await complete: %v", err)
	}
	var done protocol.Complete
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if done.SessionKey != "tab-9" || done.RunID != chunk.RunID {
		t.Fatalf("unexpected complete: %+v", done)
	}

	msg, err = statusSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await status: %v", err)
	}
	var status protocol.StatusUpdate
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Text != narration.StatusProcessing {
		t.Fatalf("expected first status %q, got %q", narration.StatusProcessing, status.Text)
	}
}

func TestServiceErrorPublished(t *testing.T) {
	_, client := newService(t, synthFunc(func(ctx context.Context, req polly.SpeechRequest) ([]byte, error) {
		return nil, &polly.ServiceError{StatusCode: 403, Message: "Invalid credentials"}
	}))
	errSub := subscribe(t, client, protocol.SubjectNarrationError)

	if err := client.PublishJSON(protocol.SubjectNarrationStart, protocol.StartNarration{SessionKey: "tab-1", Text: "Hello."}); err != nil {
		t.Fatalf("publish start: %v", err)
	}
	msg, err := errSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await error: %v", err)
	}
	var e protocol.Error
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Message != "Amazon Polly failed (403): Invalid credentials" {
		t.Fatalf("unexpected message %q", e.Message)
	}
}

func TestStopOverBus(t *testing.T) {
	started := make(chan struct{}, 1)
	_, client := newService(t, synthFunc(func(ctx context.Context, req polly.SpeechRequest) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, polly.ErrCancelled
	}))
	statusSub := subscribe(t, client, protocol.SubjectNarrationStatus)
	completeSub := subscribe(t, client, protocol.SubjectNarrationComplete)

	if err := client.PublishJSON(protocol.SubjectNarrationStart, protocol.StartNarration{SessionKey: "tab-1", Text: "Hello."}); err != nil {
		t.Fatalf("publish start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("synthesis never started")
	}
	if err := client.PublishJSON(protocol.SubjectNarrationStop, protocol.StopNarration{SessionKey: "tab-1"}); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for !seen[narration.StatusCancelled] && time.Now().Before(deadline) {
		msg, err := statusSub.NextMsg(time.Until(deadline))
		if err != nil {
			t.Fatalf("await status: %v", err)
		}
		var status protocol.StatusUpdate
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		seen[status.Text] = true
	}
	if !seen[narration.ReasonStoppedByUser] || !seen[narration.StatusCancelled] {
		t.Fatalf("missing stop statuses: %v", seen)
	}
	if _, err := completeSub.NextMsg(100 * time.Millisecond); err == nil {
		t.Fatalf("cancelled narration must not complete")
	}
}
