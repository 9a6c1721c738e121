package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSServer answers invocation requests on tool.invoke.<name> and announces
// the host's tools with periodic heartbeats.
type NATSServer struct {
	host   *Host
	cfg    config.RegistryConfig
	bus    *bus.Client
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewNATSServer(parent context.Context, cfg config.RegistryConfig, busClient *bus.Client, host *Host, logger *slog.Logger) *NATSServer {
	ctx, cancel := context.WithCancel(parent)
	return &NATSServer{
		host:   host,
		cfg:    cfg,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "tool-host-nats")),
	}
}

func (s *NATSServer) Start() error {
	for _, tool := range s.host.Tools() {
		sub, err := s.bus.Conn().QueueSubscribe(protocol.InvokeSubject(tool.Name), "tool-hosts", s.handleRequest)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", tool.Name, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.announce(true, "")
	s.ready.Store(true)

	s.wg.Add(1)
	go s.runHeartbeat()
	return nil
}

func (s *NATSServer) Close() {
	s.ready.Store(false)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if s.bus.Healthy() {
		s.announce(false, "host shutting down")
		_ = s.bus.Conn().Flush()
	}
}

func (s *NATSServer) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *NATSServer) handleRequest(msg *nats.Msg) {
	var req protocol.InvocationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode invocation request", slogError(err))
		return
	}

	// Added under mu so Close never waits while a late callback registers.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		resp := s.host.Invoke(s.ctx, req)
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn("failed to encode invocation response", slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to respond to invocation", slogError(err),
				slog.String("invocation_id", req.InvocationID))
		}
	}()
}

func (s *NATSServer) runHeartbeat() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, tool := range s.host.Tools() {
				if err := s.bus.PublishJSON(protocol.HeartbeatSubject(tool.Name), s.announcement(tool, true, "")); err != nil {
					s.logger.Warn("failed to publish heartbeat", slogError(err))
				}
			}
		}
	}
}

func (s *NATSServer) announce(healthy bool, reason string) {
	for _, tool := range s.host.Tools() {
		if err := s.bus.PublishJSON(protocol.SubjectToolAnnounce, s.announcement(tool, healthy, reason)); err != nil {
			s.logger.Warn("failed to announce tool", slog.String("tool", tool.Name), slogError(err))
		}
	}
}

func (s *NATSServer) announcement(tool Tool, healthy bool, reason string) protocol.ToolAnnouncement {
	return protocol.ToolAnnouncement{
		Name:        tool.Name,
		Description: tool.Description,
		HostID:      s.host.ID(),
		Healthy:     healthy,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}
