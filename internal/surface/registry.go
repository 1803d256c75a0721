// Package surface tracks remote playback surfaces announced on the bus.
// A surface that stops heartbeating is marked stale and the remote sink
// refuses to target it until it reappears.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/protocol"
)

// Info is a point-in-time view of one registered surface.
type Info struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Alive    bool      `json:"alive"`
}

type Registry struct {
	cfg    config.SurfaceConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu       sync.RWMutex
	surfaces map[string]*Info

	meter      metric.Meter
	aliveGauge metric.Int64ObservableGauge
	knownGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.SurfaceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "surface-registry")),
		bus:      busClient,
		surfaces: make(map[string]*Info),
		meter:    otel.Meter("github.com/aloudlabs/aloud-core/runtime"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorLiveness(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSurfaceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSurfaceHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorLiveness(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateLiveness()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announce protocol.SurfaceAnnounce
	if err := json.Unmarshal(msg.Data, &announce); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announce.SurfaceID == "" {
		return
	}
	if announce.Timestamp.IsZero() {
		announce.Timestamp = time.Now().UTC()
	}
	r.log.Info("surface announced",
		slog.String("surface", announce.SurfaceID),
		slog.String("name", announce.Name))
	r.update(announce.SurfaceID, announce.Name, announce.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.SurfaceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.SurfaceID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.update(hb.SurfaceID, "", hb.Timestamp)
}

func (r *Registry) update(id, name string, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.surfaces[id]
	if !ok {
		info = &Info{ID: id}
		r.surfaces[id] = info
	}
	if name != "" {
		info.Name = name
	}
	if seen.After(info.LastSeen) {
		info.LastSeen = seen
	}
	info.Alive = true
}

func (r *Registry) evaluateLiveness() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := time.Now()
	for _, info := range r.surfaces {
		if info.Alive && now.Sub(info.LastSeen) > timeout {
			info.Alive = false
			r.log.Warn("surface went stale", slog.String("surface", info.ID))
		}
	}
}

// Alive reports whether the named surface has a fresh heartbeat.
func (r *Registry) Alive(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.surfaces[target]
	return ok && info.Alive
}

// List returns a snapshot of every known surface.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.surfaces))
	for _, info := range r.surfaces {
		out = append(out, *info)
	}
	return out
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	alive, err := r.meter.Int64ObservableGauge("aloud_surfaces_alive",
		metric.WithDescription("Surfaces with a fresh heartbeat"))
	if err != nil {
		return err
	}
	known, err := r.meter.Int64ObservableGauge("aloud_surfaces_known",
		metric.WithDescription("Surfaces ever announced this process"))
	if err != nil {
		return err
	}
	r.aliveGauge = alive
	r.knownGauge = known
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		aliveCount, knownCount := r.snapshotCounts()
		obs.ObserveInt64(alive, aliveCount)
		obs.ObserveInt64(known, knownCount)
		return nil
	}, alive, known)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alive, known int64
	for _, info := range r.surfaces {
		known++
		if info.Alive {
			alive++
		}
	}
	return alive, known
}
