package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/loqalabs/loqa-narrator/internal/ssml"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Synthesizer turns one chunk of SSML into audio. *polly.Client implements
// it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req polly.SpeechRequest) ([]byte, error)
}

// StartRequest is a request to narrate Text under SessionKey. A non-empty
// SpeechRate overrides the configured one.
type StartRequest struct {
	SessionKey string
	Text       string
	Title      string
	URL        string
	SpeechRate string
}

type Option func(*Narrator)

// WithSelector replaces the default CJK-aware voice selection.
func WithSelector(sel voice.Selector) Option {
	return func(n *Narrator) {
		if sel != nil {
			n.selector = sel
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Narrator) {
		n.now = now
	}
}

// Narrator owns every running session and drives each one chunk at a time.
type Narrator struct {
	cfg      config.NarrationConfig
	synth    Synthesizer
	settings SettingsSource
	sink     Sink
	selector voice.Selector
	registry *Registry
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(parent context.Context, cfg config.NarrationConfig, synth Synthesizer, settings SettingsSource, sink Sink, log *slog.Logger, opts ...Option) *Narrator {
	ctx, cancel := context.WithCancel(parent)
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.MaxTotalChars <= 0 {
		cfg.MaxTotalChars = chunker.DefaultMaxTotalChars
	}
	if sink == nil {
		sink = MultiSink(nil)
	}
	n := &Narrator{
		cfg:      cfg,
		synth:    synth,
		settings: settings,
		sink:     sink,
		selector: voice.Select,
		registry: NewRegistry(),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/narration"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "narrator")),
	}
	for _, opt := range opts {
		opt(n)
	}
	m, err := newMetrics(otel.Meter("github.com/loqalabs/loqa-narrator/narration"), n.registry)
	if err != nil {
		n.logger.Warn("failed to initialize metrics", slogError(err))
	}
	n.metrics = m
	return n
}

// Start replaces any session under req.SessionKey with a new one. Invalid
// requests emit a single error event and return a *ValidationError; nothing
// is registered in that case. ctx only bounds settings resolution: the run
// itself lives until it finishes, is stopped, or the Narrator is closed.
func (n *Narrator) Start(ctx context.Context, req StartRequest) (*Session, error) {
	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		return nil, &ValidationError{Message: "A session key is required.", Err: ErrMissingSessionKey}
	}

	var predecessors []*Session
	if prev := n.registry.Take(key); prev != nil {
		n.stopSession(prev, ReasonSuperseded)
		predecessors = append(predecessors, prev)
	}

	text := chunker.Truncate(chunker.Normalize(req.Text), n.cfg.MaxTotalChars)
	if strings.TrimSpace(text) == "" {
		return nil, n.reject(key, &ValidationError{Message: messageEmptyText, Err: ErrEmptyText})
	}

	settings, err := n.settings.Settings(ctx)
	if err != nil {
		return nil, n.reject(key, &ValidationError{Message: messageMissingCredentials, Err: fmt.Errorf("%w: %v", ErrMissingCredentials, err)})
	}
	if !settings.HasCredentials() {
		return nil, n.reject(key, &ValidationError{Message: messageMissingCredentials, Err: ErrMissingCredentials})
	}
	if req.SpeechRate != "" {
		settings.SpeechRate = req.SpeechRate
	}
	settings = settings.WithDefaults()

	s := newSession(n.ctx, key, uuid.NewString(), text, settings, n.now())
	s.title = req.Title
	s.url = req.URL
	if raced := n.registry.Swap(s); raced != nil {
		n.stopSession(raced, ReasonSuperseded)
		predecessors = append(predecessors, raced)
	}
	s.predecessors = predecessors

	n.logger.Info("narration started",
		slog.String("session_key", key),
		slog.String("run_id", s.runID),
		slog.Int("chars", len([]rune(text))),
		slog.String("voice", settings.Voice),
		slog.String("rate", settings.SpeechRate))

	n.wg.Add(1)
	go n.run(s)
	return s, nil
}

// Stop cancels the session for key, aborting its in-flight request. A
// non-empty reason is emitted as a status update. It reports whether a
// session was running.
func (n *Narrator) Stop(key, reason string) bool {
	s := n.registry.Take(key)
	if s == nil {
		return false
	}
	n.stopSession(s, reason)
	return true
}

// Session returns the live session for key, if any.
func (n *Narrator) Session(key string) *Session {
	return n.registry.Get(key)
}

// Active lists the keys with a live session.
func (n *Narrator) Active() []string {
	return n.registry.Keys()
}

// Close cancels every session and waits for their runs to finish.
func (n *Narrator) Close() {
	n.cancel()
	n.wg.Wait()
}

// stopSession must only be called on a session just taken from the registry.
func (n *Narrator) stopSession(s *Session, reason string) {
	s.cancel()
	n.logger.Info("narration stopped", slog.String("session_key", s.key), slog.String("run_id", s.runID), slog.String("reason", reason))
	if reason != "" {
		n.emit(s, Event{Type: EventStatus, Status: reason})
	}
	close(s.stopped)
}

func (n *Narrator) reject(key string, verr *ValidationError) error {
	n.logger.Warn("narration rejected", slog.String("session_key", key), slogError(verr.Err))
	n.sink.Emit(Event{Type: EventError, SessionKey: key, Message: verr.Message, Time: n.now()})
	n.metrics.recordRejected(n.ctx)
	return verr
}

func (n *Narrator) emit(s *Session, e Event) {
	e.SessionKey = s.key
	e.RunID = s.runID
	e.Time = n.now()
	n.sink.Emit(e)
}

func (n *Narrator) run(s *Session) {
	defer n.wg.Done()
	defer close(s.done)
	defer s.cancel()

	for _, prev := range s.predecessors {
		select {
		case <-prev.Done():
		case <-s.ctx.Done():
		}
	}
	s.predecessors = nil

	ctx, span := n.tracer.Start(s.ctx, "narration.session", trace.WithAttributes(
		attribute.String("narration.session_key", s.key),
		attribute.String("narration.run_id", s.runID),
	))
	defer span.End()

	state, err := n.narrate(ctx, s)
	// Leave the registry before the terminal event so a late Stop finds
	// nothing. If a Stop got here first, its status goes out before ours and
	// the run ends cancelled.
	if !n.registry.Remove(s) {
		<-s.stopped
		if state == StateCompleted {
			state = StateCancelled
		}
	}
	s.setState(state)
	span.SetAttributes(attribute.String("narration.outcome", state.String()), attribute.Int("narration.chunks", s.ChunksEmitted()))

	switch state {
	case StateCompleted:
		n.emit(s, Event{Type: EventComplete})
	case StateCancelled:
		n.emit(s, Event{Type: EventStatus, Status: StatusCancelled})
	case StateFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.emit(s, Event{Type: EventError, Message: err.Error()})
	}
	n.metrics.recordSession(context.WithoutCancel(ctx), state)

	log := n.logger.With(slog.String("session_key", s.key), slog.String("run_id", s.runID))
	if err != nil {
		log.Warn("narration failed", slog.Int("chunks", s.ChunksEmitted()), slogError(err))
		return
	}
	log.Info("narration finished", slog.String("outcome", state.String()), slog.Int("chunks", s.ChunksEmitted()))
}

func (n *Narrator) narrate(ctx context.Context, s *Session) (State, error) {
	if ctx.Err() != nil {
		return StateCancelled, nil
	}
	s.setState(StateRunning)
	n.emit(s, Event{Type: EventStatus, Status: StatusProcessing})

	for _, chunk := range Plan(s.text, n.cfg.ChunkSize, s.settings.Voice, n.selector) {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		n.emit(s, Event{Type: EventStatus, Status: fmt.Sprintf(StatusGenerating, chunk.Index+1)})

		started := time.Now()
		audio, err := n.synth.Synthesize(ctx, polly.SpeechRequest{
			Credentials:  s.settings.Credentials(),
			Region:       s.settings.Region,
			Text:         ssml.Build(chunk.Content, s.settings.SpeechRate),
			VoiceID:      chunk.Voice.VoiceID,
			LanguageCode: chunk.Voice.LanguageCode,
		})
		if err != nil {
			if errors.Is(err, polly.ErrCancelled) || ctx.Err() != nil {
				return StateCancelled, nil
			}
			return StateFailed, err
		}
		n.metrics.recordChunk(ctx, time.Since(started))

		n.emit(s, Event{Type: EventAudio, Chunk: &AudioChunk{Index: chunk.Index, Audio: audio, Format: polly.OutputFormat}})
		s.emitted.Add(1)
	}

	if ctx.Err() != nil {
		return StateCancelled, nil
	}
	return StateCompleted, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
