package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/config"
	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/transaction"
	"go.uber.org/zap"
)

const (
	AMQPVersion = "0.9.1"
	AMQPProduct = "AMQP-Engine"
)

// ErrServerStopped is returned for connections opened after shutdown began
var ErrServerStopped = errors.New("server is stopped")

// Server hosts one virtual host and the connections attached to it. It
// has no transport of its own: a transport decodes frames, opens a
// Connection per client and feeds it methods.
type Server struct {
	config        *config.AMQPConfig
	logger        *zap.Logger
	vhost         *broker.VirtualHost
	store         interfaces.Store
	authenticator auth.Authenticator
	mechanisms    *auth.Registry
	metrics       MetricsCollector
	memory        *broker.MemoryManager
	txStats       *transaction.Stats
	selectors     *filter.Cache
	startTime     time.Time

	mu          sync.RWMutex
	connections map[string]*Connection
	stopped     bool

	lifecycle *LifecycleManager
}

// NewConnection registers a client connection. token is the result of
// authentication; output receives every frame the engine sends.
func (s *Server) NewConnection(output protocol.Output, token auth.SecurityToken) (*Connection, error) {
	if token == nil {
		token = auth.AllowAll
	}
	c := newConnection(s, output, token)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrServerStopped
	}
	s.connections[c.id] = c
	s.mu.Unlock()

	s.metrics.RecordConnectionCreated()
	c.logger.Info("Connection opened", zap.String("username", c.username))
	return c, nil
}

func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()
}

// Connections returns the registered connections ordered by ID
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ConnectionInfos describes every open connection
func (s *Server) ConnectionInfos() []interfaces.ConnectionInfo {
	conns := s.Connections()
	infos := make([]interfaces.ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	return infos
}

// VirtualHost returns the hosted virtual host
func (s *Server) VirtualHost() *broker.VirtualHost { return s.vhost }

// Store returns the message store
func (s *Server) Store() interfaces.Store { return s.store }

// Logger returns the server logger
func (s *Server) Logger() *zap.Logger { return s.logger }

// Config returns the configuration the server was built with
func (s *Server) Config() *config.AMQPConfig { return s.config }

// TransactionStats returns the transaction counters
func (s *Server) TransactionStats() *transaction.Stats { return s.txStats }

// MemoryManager returns the virtual host's memory manager
func (s *Server) MemoryManager() *broker.MemoryManager { return s.memory }

// Lifecycle returns the lifecycle manager
func (s *Server) Lifecycle() *LifecycleManager { return s.lifecycle }

// Stats returns a point-in-time view of the server
func (s *Server) Stats() *interfaces.ServerStats {
	stats := &interfaces.ServerStats{
		Uptime:       time.Since(s.startTime),
		Exchanges:    len(s.vhost.Exchanges()),
		Transactions: s.txStats.Snapshot(),
	}
	for _, c := range s.Connections() {
		stats.Connections++
		stats.Channels += int(c.channelCount.Load())
		stats.FlowBlockedChannels += int(c.flowBlocked.Load())
	}
	for _, q := range s.vhost.Queues() {
		stats.Queues++
		stats.Consumers += q.ConsumerCount()
		stats.MessagesReady += q.MessageCount()
	}
	return stats
}

// Health reports the lifecycle state plus any resource warnings
func (s *Server) Health() interfaces.HealthStatus {
	status := s.lifecycle.Health()
	if s.memory != nil && s.memory.State() == broker.StatePaging {
		status.Warnings = append(status.Warnings, "queue memory over limit, paging message bodies")
	}
	if blocked := s.Stats().FlowBlockedChannels; blocked > 0 {
		status.Warnings = append(status.Warnings, fmt.Sprintf("%d channels flow-blocked", blocked))
	}
	return status
}

// HealthCheck returns an error unless the server is healthy
func (s *Server) HealthCheck() error {
	status := s.Health()
	if !status.Healthy() {
		return fmt.Errorf("server %s: %v", status.Status, status.Errors)
	}
	if status.Status != "healthy" {
		return fmt.Errorf("server %s", status.Status)
	}
	return nil
}

// BlockPublishers stops publishing on every channel of every connection
func (s *Server) BlockPublishers() {
	for _, c := range s.Connections() {
		c.BlockPublishers()
	}
}

// UnblockPublishers lifts a BlockPublishers
func (s *Server) UnblockPublishers() {
	for _, c := range s.Connections() {
		c.UnblockPublishers()
	}
}

// closeConnections asks every connection loop to shut down and stops
// accepting new ones
func (s *Server) closeConnections(reason string) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for _, c := range s.Connections() {
		c.post(shutdownEvent{reason: reason})
	}
}
