package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Narrator is the subset of *narration.Narrator driven from the bus.
type Narrator interface {
	Start(ctx context.Context, req narration.StartRequest) (*narration.Session, error)
	Stop(key, reason string) bool
}

// Service accepts start/stop requests on NATS and publishes narration events
// back. It is also the narration.Sink for those events.
type Service struct {
	cfg      config.NarrationConfig
	bus      *bus.Client
	narrator Narrator
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.NarrationConfig, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "narration-service")),
	}
}

// Bind sets the narrator requests are forwarded to. The narrator usually
// needs the Service as its sink, so the two are wired after construction.
func (s *Service) Bind(n Narrator) {
	s.mu.Lock()
	s.narrator = n
	s.mu.Unlock()
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	startSub, err := s.bus.Conn().Subscribe(protocol.SubjectNarrationStart, s.handleStart)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, startSub)

	stopSub, err := s.bus.Conn().Subscribe(protocol.SubjectNarrationStop, s.handleStop)
	if err != nil {
		_ = startSub.Unsubscribe()
		s.subs = nil
		return err
	}
	s.subs = append(s.subs, stopSub)
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) currentNarrator() Narrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.narrator
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartNarration
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode start request", slogError(err))
		return
	}
	n := s.currentNarrator()
	if n == nil {
		s.logger.Warn("start request before narrator bound", slog.String("session_key", req.SessionKey))
		return
	}
	// Validation failures are published through Emit.
	_, _ = n.Start(s.ctx, narration.StartRequest{
		SessionKey: req.SessionKey,
		Text:       req.Text,
		Title:      req.Title,
		URL:        req.URL,
		SpeechRate: req.SpeechRate,
	})
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopNarration
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stop request", slogError(err))
		return
	}
	if n := s.currentNarrator(); n != nil {
		n.Stop(req.SessionKey, narration.ReasonStoppedByUser)
	}
}

// Emit implements narration.Sink.
func (s *Service) Emit(e narration.Event) {
	var (
		subject string
		payload any
	)
	ts := e.Time.UTC()
	switch e.Type {
	case narration.EventStatus:
		subject = protocol.SubjectNarrationStatus
		payload = protocol.StatusUpdate{SessionKey: e.SessionKey, RunID: e.RunID, Text: e.Status, Timestamp: ts}
	case narration.EventAudio:
		subject = protocol.SubjectNarrationAudio
		payload = protocol.AudioChunk{SessionKey: e.SessionKey, RunID: e.RunID, ChunkIndex: e.Chunk.Index, Audio: e.Chunk.Audio, Format: e.Chunk.Format, Timestamp: ts}
	case narration.EventError:
		subject = protocol.SubjectNarrationError
		payload = protocol.Error{SessionKey: e.SessionKey, RunID: e.RunID, Message: e.Message, Timestamp: ts}
	case narration.EventComplete:
		subject = protocol.SubjectNarrationComplete
		payload = protocol.Complete{SessionKey: e.SessionKey, RunID: e.RunID, Timestamp: ts}
	default:
		return
	}
	if err := s.bus.PublishJSON(subject, payload); err != nil {
		s.logger.Warn("failed to publish narration event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
