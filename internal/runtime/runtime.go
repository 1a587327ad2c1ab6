package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/credentials"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/gateway"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/narration/service"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/loqalabs/loqa-narrator/internal/presence"
	"github.com/loqalabs/loqa-narrator/internal/ssml"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const (
	defaultRunListLimit = 50
	maxRunEvents        = 1000
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	narrator   *narration.Narrator
	service    *service.Service
	presence   *presence.Registry
	gateway    *gateway.Gateway
	playback   *playback.Router
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	handler, err := r.build(ctx)
	if err == nil && r.cfg.Telemetry.PrometheusBind != "" {
		if _, serveErr := tel.serveMetrics(r.cfg.Telemetry.PrometheusBind, cancel); serveErr != nil {
			err = fmt.Errorf("failed to serve metrics: %w", serveErr)
		}
	}
	if err != nil {
		r.shutdown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	// Close the gateway first: hijacked WebSocket connections are not
	// tracked by Shutdown.
	if r.gateway != nil {
		r.gateway.Close()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.shutdown()
	r.closeTelemetry()
	return nil
}

// build wires every component and returns the HTTP handler. Components are
// recorded on r as they come up so shutdown can unwind a partial start.
func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.recorder = eventstore.NewRecorder(store, r.logger, 0)

	creds, err := credentials.New(ctx, r.cfg.Speech, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure credentials: %w", err)
	}

	client := polly.New(
		polly.WithEndpoint(r.cfg.Speech.Endpoint),
		polly.WithSigningName(r.cfg.Speech.Service),
		polly.WithTimeout(time.Duration(r.cfg.Speech.RequestTimeoutMS)*time.Millisecond),
		polly.WithRateLimit(r.cfg.Speech.RequestsPerSecond),
	)

	fanout := narration.NewFanout(r.recorder)
	r.narrator = narration.New(ctx, r.cfg.Narration, client, creds, fanout, r.logger)

	if err := r.startPlayback(ctx, fanout); err != nil {
		return nil, err
	}
	if err := r.startBus(ctx, fanout); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	// With a dedicated prometheus_bind, /metrics lives only on that listener.
	if r.telemetry != nil && r.telemetry.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	mux.HandleFunc("GET /narrations", r.handleListRuns)
	mux.HandleFunc("GET /narrations/{run}", r.handleRunEvents)
	mux.HandleFunc("DELETE /narrations/sessions/{key}", r.handleStopSession)
	mux.HandleFunc("GET /nodes", r.handleNodes)

	if r.cfg.Narration.Enabled && r.cfg.Gateway.Enabled {
		r.gateway = gateway.New(r.cfg.Gateway, r.narrator, r.logger)
		fanout.Add(r.gateway)
		mux.Handle(r.cfg.Gateway.Path, r.gateway)
		r.logger.Info("websocket gateway enabled", slog.String("path", r.cfg.Gateway.Path))
	}
	return mux, nil
}

// startPlayback gives each session key its own queue. Directory mode writes
// every key under its own subdirectory.
func (r *Runtime) startPlayback(ctx context.Context, fanout *narration.Fanout) error {
	var players playback.PlayerFactory
	switch r.cfg.Playback.Mode {
	case "exec":
		p, err := playback.NewExecPlayer(r.cfg.Playback.Command)
		if err != nil {
			return fmt.Errorf("failed to configure playback: %w", err)
		}
		players = func(string) (playback.Player, error) { return p, nil }
	case "directory":
		if err := os.MkdirAll(r.cfg.Playback.Directory, 0o755); err != nil {
			return fmt.Errorf("failed to configure playback: %w", err)
		}
		players = playback.SessionDirectories(r.cfg.Playback.Directory, "narration")
	default:
		return nil
	}
	r.playback = playback.NewRouter(ctx, players, r.logger)
	fanout.Add(r.playback)
	r.logger.Info("local playback enabled", slog.String("mode", r.cfg.Playback.Mode))
	return nil
}

func (r *Runtime) startBus(ctx context.Context, fanout *narration.Fanout) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.natsServer = srv
	if url := srv.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client

	r.service = service.NewService(ctx, r.cfg.Narration, client, r.logger)
	r.service.Bind(r.narrator)
	fanout.Add(r.service)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start narration service: %w", err)
	}

	voices := []string{r.cfg.Speech.Voice}
	if r.cfg.Speech.Voice != voice.ChineseVoice {
		voices = append(voices, voice.ChineseVoice)
	}
	r.presence, err = presence.New(ctx, r.cfg.Node, presence.Advertisement{
		Region:      r.cfg.Speech.Region,
		Voices:      voices,
		SpeechRates: ssml.SpeechRates(),
		Formats:     []string{polly.OutputFormat},
	}, client, func() int { return len(r.narrator.Active()) }, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	return nil
}

// shutdown stops producers before the sinks they feed.
func (r *Runtime) shutdown() {
	if r.narrator != nil {
		r.narrator.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.playback != nil {
		r.playback.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.close(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	if r.presence != nil && !r.presence.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type runView struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	State      string    `json:"state"`
	Chunks     int       `json:"chunks"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type eventView struct {
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Runtime) handleListRuns(w http.ResponseWriter, req *http.Request) {
	limit := defaultRunListLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	runs, err := r.store.ListRuns(req.Context(), req.URL.Query().Get("session_key"), limit)
	if err != nil {
		r.logger.Error("list narrations failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list narrations", http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Runtime) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("run")
	run, err := r.store.GetRun(req.Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "narration not found", http.StatusNotFound)
			return
		}
		r.logger.Error("get narration failed", slog.String("error", err.Error()))
		http.Error(w, "failed to load narration", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListRunEvents(req.Context(), runID, maxRunEvents)
	if err != nil {
		r.logger.Error("list narration events failed", slog.String("error", err.Error()))
		http.Error(w, "failed to load narration", http.StatusInternalServerError)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			Type:       e.Type,
			Detail:     e.Detail,
			ChunkIndex: e.ChunkIndex,
			AudioBytes: e.AudioBytes,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		runView
		Events []eventView `json:"events"`
	}{runView(run), views})
}

func (r *Runtime) handleStopSession(w http.ResponseWriter, req *http.Request) {
	if !r.narrator.Stop(req.PathValue("key"), narration.ReasonStoppedByUser) {
		http.Error(w, "no active narration", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNodes lists healthy narrator nodes. ?all=true includes silent ones
// and ?voice= keeps only nodes advertising that voice.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	nodes := []presence.Node{}
	if r.presence != nil {
		query := req.URL.Query()
		var filters []func(presence.Node) bool
		if query.Get("all") != "true" {
			filters = append(filters, presence.HealthyOnly)
		}
		if v := strings.TrimSpace(query.Get("voice")); v != "" {
			filters = append(filters, presence.WithVoice(v))
		}
		nodes = r.presence.Nodes(presence.All(filters...))
	}
	writeJSON(w, http.StatusOK, nodes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
