// Package presence lets narrator nodes sharing a bus discover each other:
// each node announces what it can voice and heartbeats its current load.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Advertisement is what this node tells its peers it can do.
type Advertisement struct {
	Region      string
	Voices      []string
	SpeechRates []string
	Formats     []string
}

// Node is the last known state of a narrator on the bus, this one included.
type Node struct {
	ID             string    `json:"id"`
	Region         string    `json:"region,omitempty"`
	Voices         []string  `json:"voices,omitempty"`
	SpeechRates    []string  `json:"speech_rates,omitempty"`
	Formats        []string  `json:"formats,omitempty"`
	ActiveSessions int       `json:"active_sessions"`
	LastSeen       time.Time `json:"last_seen"`
	Healthy        bool      `json:"healthy"`
}

// LoadFunc reports how many narrations this node is running.
type LoadFunc func() int

type Registry struct {
	cfg    config.NodeConfig
	self   Advertisement
	load   LoadFunc
	bus    *bus.Client
	log    *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*Node
	subs  []*nats.Subscription
}

func New(ctx context.Context, cfg config.NodeConfig, self Advertisement, busClient *bus.Client, load LoadFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() int { return 0 }
	}
	r := &Registry{
		cfg:    cfg,
		self:   self,
		load:   load,
		bus:    busClient,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		now:    time.Now,
		cancel: cancel,
		nodes:  make(map[string]*Node),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = []*nats.Subscription{announceSub, heartbeatSub}
	return conn.Flush()
}

// run heartbeats on the configured interval and expires silent peers.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:      r.cfg.ID,
		Region:      r.self.Region,
		Voices:      r.self.Voices,
		SpeechRates: r.self.SpeechRates,
		Formats:     r.self.Formats,
		Timestamp:   r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.applyAnnounce(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:         r.cfg.ID,
		ActiveSessions: r.load(),
		Timestamp:      r.now().UTC(),
	}
	return r.bus.PublishJSON(fmt.Sprintf(protocol.SubjectNodeHeartbeat, r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	// A newcomer has missed our own announcement; repeat it once.
	if isNew := r.applyAnnounce(announcement); isNew && announcement.NodeID != r.cfg.ID {
		r.log.Info("discovered narrator node", slog.String("peer", announcement.NodeID), slog.String("region", announcement.Region))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodeLocked(hb.NodeID)
	node.ActiveSessions = hb.ActiveSessions
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

// applyAnnounce records an announcement and reports whether the node was
// previously unknown.
func (r *Registry) applyAnnounce(a protocol.NodeAnnounce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.nodes[a.NodeID]
	node := r.nodeLocked(a.NodeID)
	node.Region = a.Region
	node.Voices = a.Voices
	node.SpeechRates = a.SpeechRates
	node.Formats = a.Formats
	node.LastSeen = a.Timestamp
	node.Healthy = true
	return !known
}

func (r *Registry) nodeLocked(id string) *Node {
	node, ok := r.nodes[id]
	if !ok {
		node = &Node{ID: id}
		r.nodes[id] = node
	}
	return node
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("narrator node missed heartbeats", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether this node's own heartbeats are making the round
// trip through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of every known node sorted by ID. A nil filter
// matches all of them.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// WithVoice matches nodes that advertise voiceID.
func WithVoice(voiceID string) func(Node) bool {
	return func(n Node) bool {
		for _, v := range n.Voices {
			if v == voiceID {
				return true
			}
		}
		return false
	}
}

// HealthyOnly matches nodes that are still heartbeating.
func HealthyOnly(n Node) bool { return n.Healthy }

// All matches nodes that pass every filter. With no filters it matches
// everything.
func All(filters ...func(Node) bool) func(Node) bool {
	return func(n Node) bool {
		for _, f := range filters {
			if !f(n) {
				return false
			}
		}
		return true
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/presence")
	nodes, err := meter.Int64ObservableGauge("narration.nodes", metric.WithDescription("Known narrator nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("narration.nodes.healthy", metric.WithDescription("Narrator nodes with recent heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, up := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, up int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			up++
		}
	}
	return total, up
}
