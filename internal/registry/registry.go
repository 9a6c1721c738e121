package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrUnavailable is returned by Lookup when a tool is unknown or unhealthy.
var ErrUnavailable = errors.New("tool unavailable")

// Tool describes one invocable capability and its last known health.
type Tool struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Transport   string    `json:"transport,omitempty"`
	HostID      string    `json:"host_id,omitempty"`
	Healthy     bool      `json:"healthy"`
	Reason      string    `json:"reason,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	// Heartbeat marks tools whose health expires without bus heartbeats.
	Heartbeat bool `json:"heartbeat"`
}

type Registry struct {
	cfg    config.RegistryConfig
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	tools  map[string]*Tool
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meter  metric.Meter
	clock  func() time.Time
}

// New builds a registry. When busClient is nil, tools are only known through
// Register and ReportHealth.
func New(ctx context.Context, cfg config.RegistryConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "tool-registry")),
		bus:    busClient,
		tools:  make(map[string]*Tool),
		meter:  otel.Meter("github.com/loqalabs/loqa-vcc/registry"),
		cancel: cancel,
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			r.cancel()
			return nil, err
		}
	}

	go r.monitorHealth(ctx)
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

// Register adds or replaces a tool entry.
func (r *Registry) Register(t Tool) {
	if t.LastSeen.IsZero() {
		t.LastSeen = r.clock()
	}
	r.mu.Lock()
	r.tools[t.Name] = &t
	r.mu.Unlock()
	r.log.Info("tool registered",
		slog.String("tool", t.Name),
		slog.String("transport", t.Transport),
		slog.Bool("healthy", t.Healthy))
}

// ReportHealth records a health change for a registered tool.
func (r *Registry) ReportHealth(name string, healthy bool, reason string) error {
	r.mu.Lock()
	tool, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s not registered", ErrUnavailable, name)
	}
	changed := tool.Healthy != healthy
	tool.Healthy = healthy
	tool.Reason = reason
	tool.LastSeen = r.clock()
	r.mu.Unlock()

	if changed {
		if healthy {
			r.log.Info("tool healthy", slog.String("tool", name))
		} else {
			r.log.Warn("tool unhealthy", slog.String("tool", name), slog.String("reason", reason))
		}
	}
	return nil
}

// Lookup returns the tool if it is registered and healthy. Callers must check
// this before emitting a request.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s not registered", ErrUnavailable, name)
	}
	if !tool.Healthy {
		if tool.Reason != "" {
			return *tool, fmt.Errorf("%w: %s unhealthy: %s", ErrUnavailable, name, tool.Reason)
		}
		return *tool, fmt.Errorf("%w: %s unhealthy", ErrUnavailable, name)
	}
	return *tool, nil
}

// Tools returns a snapshot of every known tool ordered by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		results = append(results, *tool)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectToolAnnounce, r.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectToolHeartbeatRoot+".*", r.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) handleAnnouncement(msg *nats.Msg) {
	var announcement protocol.ToolAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid tool announcement", slogError(err))
		return
	}
	if announcement.Name == "" {
		return
	}
	r.observe(announcement)
}

func (r *Registry) observe(a protocol.ToolAnnouncement) {
	r.mu.Lock()
	tool, ok := r.tools[a.Name]
	if !ok {
		tool = &Tool{Name: a.Name, Transport: "nats"}
		r.tools[a.Name] = tool
	}
	wasHealthy := tool.Healthy
	if a.Description != "" {
		tool.Description = a.Description
	}
	if a.HostID != "" {
		tool.HostID = a.HostID
	}
	tool.Healthy = a.Healthy
	tool.Reason = a.Reason
	tool.Heartbeat = true
	tool.LastSeen = r.clock()
	r.mu.Unlock()

	if !ok {
		r.log.Info("tool discovered", slog.String("tool", a.Name), slog.String("host", a.HostID))
	} else if wasHealthy != a.Healthy {
		r.log.Info("tool health changed", slog.String("tool", a.Name), slog.Bool("healthy", a.Healthy))
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, tool := range r.tools {
		if !tool.Heartbeat || !tool.Healthy {
			continue
		}
		if now.Sub(tool.LastSeen) > timeout {
			tool.Healthy = false
			tool.Reason = "heartbeat expired"
			r.log.Warn("tool heartbeat expired", slog.String("tool", tool.Name))
		}
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	total, err := r.meter.Int64ObservableGauge("vcc.tools.registered", metric.WithDescription("Number of registered tools"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("vcc.tools.healthy", metric.WithDescription("Number of healthy tools"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		all, ok := r.snapshotCounts()
		obs.ObserveInt64(total, all)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, total, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all, healthy int64
	for _, tool := range r.tools {
		all++
		if tool.Healthy {
			healthy++
		}
	}
	return all, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
