package server

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxpert/amqp-engine/broker"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/flow"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/ledger"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/transaction"
	"go.uber.org/zap"
)

const allQueues = flow.AllQueues

type channelState int

const (
	channelUninitialized channelState = iota
	channelActive
	channelClosing
	channelClosed
)

func (s channelState) String() string {
	switch s {
	case channelUninitialized:
		return "uninitialized"
	case channelActive:
		return "active"
	case channelClosing:
		return "closing"
	case channelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is one AMQP channel: the state machine that turns commands into
// routing, delivery and acknowledgement work. It belongs to its
// connection's loop. Only notifyWork and the flow listener may be called
// from other goroutines, and they only post to the mailbox.
type Channel struct {
	id      uint16
	conn    *Connection
	vhost   *broker.VirtualHost
	store   interfaces.Store
	config  *interfaces.EngineConfig
	logger  *zap.Logger
	metrics MetricsCollector

	state channelState

	auto  *transaction.AutoCommitTransaction
	local *transaction.LocalTransaction
	txn   transaction.ServerTransaction
	// completions are store commits whose follow-up work has not run yet,
	// in registration order
	completions []completion
	// rolledBack collects deliveries whose dequeue was undone
	rolledBack []*ledger.Entry
	txWarnedAt time.Time

	// credit is the channel-wide limit set by a global basic.qos
	credit        *flow.CreditManager
	prefetchCount uint16
	prefetchSize  uint32
	consumers     map[string]*Consumer
	consumerOrder []*Consumer
	getConsumer   *Consumer
	unacked       *ledger.UnackedMap
	deliveryTag   uint64
	workPending   atomic.Bool

	// suspended is set by a client channel.flow(active=false)
	suspended    bool
	gate         *flow.Gate
	flowListener *channelFlowListener
	flowQueues   map[*broker.Queue]struct{}

	defaultQueue *broker.Queue
	// deleteTasks remove session-exclusive queues when the channel closes
	deleteTasks []func()
	publishing  *pendingPublish
}

func newChannel(conn *Connection, id uint16) *Channel {
	s := conn.server
	cfg := &s.config.Engine
	ch := &Channel{
		id:            id,
		conn:          conn,
		vhost:         s.vhost,
		store:         s.store,
		config:        cfg,
		logger:        conn.logger.With(zap.Uint16("channel_id", id)),
		metrics:       s.metrics,
		state:         channelUninitialized,
		credit:        flow.NewCreditManager(0, 0),
		prefetchCount: cfg.DefaultPrefetchCount,
		prefetchSize:  cfg.DefaultPrefetchSize,
		consumers:     make(map[string]*Consumer),
		unacked:       ledger.NewUnackedMap(),
		gate:          flow.NewGate(),
		flowQueues:    make(map[*broker.Queue]struct{}),
	}
	ch.auto = transaction.NewAutoCommitTransaction(s.store, ch, s.txStats)
	ch.txn = ch.auto
	ch.getConsumer = &Consumer{channel: ch, acquires: true, credit: flow.NewCreditManager(0, 0)}
	ch.flowListener = &channelFlowListener{ch: ch}
	return ch
}

func (ch *Channel) open() {
	ch.state = channelActive
}

// ID returns the channel number
func (ch *Channel) ID() uint16 { return ch.id }

// IsTransactional reports whether tx.select has been issued
func (ch *Channel) IsTransactional() bool { return ch.local != nil }

// UnackedCount returns the number of deliveries awaiting a disposition
func (ch *Channel) UnackedCount() int { return ch.unacked.Size() }

// ConsumerTags returns the active consumer tags in subscription order
func (ch *Channel) ConsumerTags() []string {
	tags := make([]string, len(ch.consumerOrder))
	for i, c := range ch.consumerOrder {
		tags[i] = c.tag
	}
	return tags
}

// IsBlocked reports whether publishers on the channel are flow-blocked
func (ch *Channel) IsBlocked() bool { return ch.gate.IsBlocked() }

// IsSuspended reports whether the client has paused deliveries
func (ch *Channel) IsSuspended() bool { return ch.suspended }

func (ch *Channel) owner() broker.Owner {
	return broker.Owner{
		ConnectionID: ch.conn.id,
		SessionID:    sessionID(ch.conn.id, ch.id),
		Principal:    ch.conn.username,
	}
}

func (ch *Channel) send(method protocol.Method) error {
	if ch.state != channelActive {
		return nil
	}
	return ch.conn.send(ch.id, method)
}

func (ch *Channel) sendContent(method protocol.Method, msg *protocol.Message) error {
	if ch.state != channelActive {
		return nil
	}
	return ch.conn.sendContent(ch.id, method, msg)
}

// notifyWork schedules one delivery pass. Repeated calls before the pass
// runs collapse into one.
func (ch *Channel) notifyWork() {
	if ch.workPending.CompareAndSwap(false, true) {
		ch.conn.post(workEvent{ch: ch})
	}
}

func (ch *Channel) canDeliver() bool {
	return ch.state == channelActive && !ch.suspended
}

func (ch *Channel) addDeleteTask(task func()) {
	ch.deleteTasks = append(ch.deleteTasks, task)
}

// resolveQueue returns the named queue, or the default queue for an empty
// name
func (ch *Channel) resolveQueue(name, method string) (*broker.Queue, error) {
	if name == "" {
		if ch.defaultQueue == nil || ch.defaultQueue.IsDeleted() {
			return nil, amqperrors.NewNoDefaultQueue(ch.conn.id, method)
		}
		return ch.defaultQueue, nil
	}
	q, ok := ch.vhost.GetQueue(name)
	if !ok {
		return nil, amqperrors.NewQueueNotFound(name, method)
	}
	return q, nil
}

// close releases everything the channel holds: consumers, exclusive
// queues, the open transaction and every unacknowledged delivery. A second
// call does nothing.
func (ch *Channel) close() {
	if ch.state == channelClosing || ch.state == channelClosed {
		return
	}
	ch.state = channelClosing

	if err := ch.processCompletions(true); err != nil {
		ch.logger.Warn("Store commit failed while closing channel", zap.Error(err))
	}
	ch.publishing = nil

	for _, c := range append([]*Consumer(nil), ch.consumerOrder...) {
		ch.unsubscribe(c)
	}
	ch.defaultQueue = nil

	tasks := ch.deleteTasks
	ch.deleteTasks = nil
	for _, task := range tasks {
		task()
	}

	if ch.local != nil && ch.local.Open() {
		ch.local.Rollback()
		ch.metrics.RecordTransactionRolledback()
	}
	ch.releaseRolledBack()

	requeued := 0
	for _, e := range ch.unacked.Drain() {
		e.Instance.Release()
		requeued++
	}

	for q := range ch.flowQueues {
		q.RemoveFlowListener(ch.flowListener)
	}
	ch.flowQueues = nil
	if ch.gate.UnblockAll() {
		ch.conn.flowBlocked.Add(-1)
	}

	ch.state = channelClosed
	ch.metrics.RecordChannelClosed()
	ch.logger.Debug("Channel closed", zap.Int("requeued", requeued))
}

func (ch *Channel) releaseRolledBack() {
	entries := ch.rolledBack
	ch.rolledBack = nil
	for _, e := range entries {
		e.Instance.Release()
	}
}

// blockQueue records that entity wants publishers stopped and tells the
// client when the gate closes
func (ch *Channel) blockQueue(entity string) {
	if ch.state != channelActive {
		return
	}
	if ch.gate.Block(entity) {
		ch.conn.flowBlocked.Add(1)
		ch.logger.Info("Blocking publisher", zap.String("blocked_by", entity))
		ch.send(&protocol.ChannelFlowMethod{Active: false})
	}
}

func (ch *Channel) unblockQueue(entity string) {
	if ch.state != channelActive {
		return
	}
	if ch.gate.Unblock(entity) {
		ch.conn.flowBlocked.Add(-1)
		ch.logger.Info("Unblocking publisher")
		ch.send(&protocol.ChannelFlowMethod{Active: true})
	}
}

// watchCapacity registers for flow callbacks from q and blocks straight
// away if it is already over its limit
func (ch *Channel) watchCapacity(q *broker.Queue) {
	ch.flowQueues[q] = struct{}{}
	if q.CheckCapacity(ch.flowListener) {
		ch.blockQueue(q.Name())
	}
}

// checkFlowEnforcement closes the connection of a publisher that has been
// blocked longer than allowed and is still sending
func (ch *Channel) checkFlowEnforcement() error {
	timeout := ch.config.FlowControlEnforcementTimeout
	if timeout <= 0 || ch.publishing == nil || !ch.gate.IsBlocked() {
		return nil
	}
	if ch.gate.BlockedFor() > timeout {
		return amqperrors.NewFlowEnforcement(ch.conn.id, ch.id)
	}
	return nil
}

// channelFlowListener forwards queue capacity changes to the channel loop
type channelFlowListener struct {
	ch *Channel
}

func (l *channelFlowListener) QueueOverfull(q *broker.Queue) {
	l.ch.conn.post(queueFlowEvent{ch: l.ch, queue: q, overfull: true})
}

func (l *channelFlowListener) QueueUnderfull(q *broker.Queue) {
	l.ch.conn.post(queueFlowEvent{ch: l.ch, queue: q, overfull: false})
}

func sessionID(connectionID string, channelID uint16) string {
	return connectionID + "/" + strconv.FormatUint(uint64(channelID), 10)
}
