package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

// Standard exchange names
const (
	DefaultExchange = ""
	AmqDirect       = "amq.direct"
	AmqFanout       = "amq.fanout"
	AmqTopic        = "amq.topic"
	AmqHeaders      = "amq.headers"
	AmqMatch        = "amq.match"

	reservedPrefix      = "amq."
	generatedNamePrefix = "amq.gen-"
)

// VirtualHost is the registry of exchanges and queues shared by every
// connection.
type VirtualHost struct {
	name      string
	store     interfaces.Store
	selectors *filter.Cache
	logger    *zap.Logger

	defaultMaxDeliveryCount int

	mu        sync.RWMutex
	exchanges map[string]*Exchange
	queues    map[string]*Queue
}

// VirtualHostOption customizes a VirtualHost
type VirtualHostOption func(*VirtualHost)

// WithDefaultMaxDeliveryCount sets the delivery limit for queues that do not declare one
func WithDefaultMaxDeliveryCount(n int) VirtualHostOption {
	return func(vh *VirtualHost) { vh.defaultMaxDeliveryCount = n }
}

// WithSelectorCache shares a parsed selector cache
func WithSelectorCache(c *filter.Cache) VirtualHostOption {
	return func(vh *VirtualHost) { vh.selectors = c }
}

// NewVirtualHost creates a virtual host with the standard exchanges declared
func NewVirtualHost(name string, store interfaces.Store, logger *zap.Logger, opts ...VirtualHostOption) *VirtualHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	vh := &VirtualHost{
		name:      name,
		store:     store,
		logger:    logger.With(zap.String("vhost", name)),
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(vh)
	}

	for _, std := range []struct {
		name string
		typ  ExchangeType
	}{
		{DefaultExchange, Direct},
		{AmqDirect, Direct},
		{AmqFanout, Fanout},
		{AmqTopic, Topic},
		{AmqHeaders, Headers},
		{AmqMatch, Headers},
	} {
		e := NewExchange(ExchangeSettings{Name: std.name, Type: std.typ, Durable: true}, vh.selectors)
		e.system = true
		vh.exchanges[std.name] = e
	}
	vh.exchanges[DefaultExchange].implicit = vh.lookupQueue

	return vh
}

// Name returns the virtual host name
func (vh *VirtualHost) Name() string { return vh.name }

// Store returns the message store
func (vh *VirtualHost) Store() interfaces.Store { return vh.store }

// Selectors returns the shared selector cache, possibly nil
func (vh *VirtualHost) Selectors() *filter.Cache { return vh.selectors }

func (vh *VirtualHost) lookupQueue(name string) *Queue {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	return vh.queues[name]
}

// GetExchange looks up an exchange by name
func (vh *VirtualHost) GetExchange(name string) (*Exchange, bool) {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	e, ok := vh.exchanges[name]
	return e, ok
}

// GetQueue looks up a queue by name
func (vh *VirtualHost) GetQueue(name string) (*Queue, bool) {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	q, ok := vh.queues[name]
	return q, ok
}

// Exchanges returns the exchanges sorted by name
func (vh *VirtualHost) Exchanges() []*Exchange {
	vh.mu.RLock()
	out := make([]*Exchange, 0, len(vh.exchanges))
	for _, e := range vh.exchanges {
		out = append(out, e)
	}
	vh.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Queues returns the queues sorted by name
func (vh *VirtualHost) Queues() []*Queue {
	vh.mu.RLock()
	out := make([]*Queue, 0, len(vh.queues))
	for _, q := range vh.queues {
		out = append(out, q)
	}
	vh.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// DeclareExchange returns the named exchange, creating it if needed. An
// existing exchange of another type is a mismatch; new names under amq.
// are reserved.
func (vh *VirtualHost) DeclareExchange(settings ExchangeSettings) (*Exchange, bool, error) {
	vh.mu.Lock()
	defer vh.mu.Unlock()

	if e, ok := vh.exchanges[settings.Name]; ok {
		if e.typ != settings.Type {
			return nil, false, amqperrors.NewExchangeTypeMismatch(settings.Name, e.typ.String(), settings.Type.String(), "exchange.declare")
		}
		return e, false, nil
	}
	if strings.HasPrefix(settings.Name, reservedPrefix) {
		return nil, false, amqperrors.NewExchangeReserved(settings.Name, "exchange.declare")
	}
	if err := protocol.ValidateTable(settings.Arguments); err != nil {
		return nil, false, amqperrors.NewInvalidArgument(settings.Name, err.Error(), "exchange.declare")
	}

	e := NewExchange(settings, vh.selectors)
	if e.alternate != "" {
		if _, ok := vh.exchanges[e.alternate]; !ok {
			return nil, false, amqperrors.NewExchangeNotFound(e.alternate, "exchange.declare")
		}
	}
	vh.exchanges[settings.Name] = e
	vh.logger.Debug("Exchange declared",
		zap.String("exchange", settings.Name),
		zap.String("type", settings.Type.String()))
	return e, true, nil
}

// DeleteExchange removes an exchange. Standard exchanges and exchanges in
// use as an alternate cannot be deleted.
func (vh *VirtualHost) DeleteExchange(name string, ifUnused bool) error {
	vh.mu.Lock()
	defer vh.mu.Unlock()

	e, ok := vh.exchanges[name]
	if !ok {
		return amqperrors.NewExchangeNotFound(name, "exchange.delete")
	}
	if e.system {
		return amqperrors.NewExchangeReserved(name, "exchange.delete")
	}
	for _, q := range vh.queues {
		if q.alternateExchange == name {
			return amqperrors.NewExchangeIsAlternate(name, "exchange.delete")
		}
	}
	for _, other := range vh.exchanges {
		if other != e && other.alternate == name {
			return amqperrors.NewExchangeIsAlternate(name, "exchange.delete")
		}
	}
	if ifUnused && e.HasBindings() {
		return amqperrors.NewExchangeInUse(name, "exchange.delete")
	}

	delete(vh.exchanges, name)
	for _, other := range vh.exchanges {
		other.RemoveDestination(e)
	}
	vh.logger.Debug("Exchange deleted", zap.String("exchange", name))
	return nil
}

// DeclareQueue returns the named queue, creating it if needed. An empty
// name gets a generated one. Redeclaring an exclusive queue from another
// owner is refused.
func (vh *VirtualHost) DeclareQueue(settings QueueSettings) (*Queue, bool, error) {
	if settings.Name == "" {
		settings.Name = GenerateQueueName()
	}

	vh.mu.Lock()
	defer vh.mu.Unlock()

	if q, ok := vh.queues[settings.Name]; ok {
		if err := q.CheckAccess(settings.Owner, "queue.declare"); err != nil {
			return nil, false, err
		}
		return q, false, nil
	}
	if strings.HasPrefix(settings.Name, reservedPrefix) && !strings.HasPrefix(settings.Name, generatedNamePrefix) {
		return nil, false, amqperrors.NewQueueReserved(settings.Name, "queue.declare")
	}
	if settings.DefaultMaxDeliveryCount == 0 {
		settings.DefaultMaxDeliveryCount = vh.defaultMaxDeliveryCount
	}

	q, err := NewQueue(settings, vh.logger)
	if err != nil {
		return nil, false, err
	}
	if q.alternateExchange != "" {
		if _, ok := vh.exchanges[q.alternateExchange]; !ok {
			return nil, false, amqperrors.NewExchangeNotFound(q.alternateExchange, "queue.declare")
		}
	}
	q.setDiscarder(vh.discard)
	vh.queues[settings.Name] = q
	vh.logger.Debug("Queue declared",
		zap.String("queue", settings.Name),
		zap.Bool("durable", settings.Durable),
		zap.String("exclusivity", q.exclusivity.String()))
	return q, true, nil
}

// DeleteQueue removes a queue and its bindings and returns the number of
// messages discarded
func (vh *VirtualHost) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	vh.mu.Lock()
	q, ok := vh.queues[name]
	if !ok {
		vh.mu.Unlock()
		return 0, amqperrors.NewQueueNotFound(name, "queue.delete")
	}
	if ifUnused && q.ConsumerCount() > 0 {
		vh.mu.Unlock()
		return 0, amqperrors.NewQueueInUse(name, "queue.delete")
	}
	if ifEmpty && q.MessageCount() > 0 {
		vh.mu.Unlock()
		return 0, amqperrors.NewQueueNotEmpty(name, "queue.delete")
	}
	delete(vh.queues, name)
	exchanges := make([]*Exchange, 0, len(vh.exchanges))
	for _, e := range vh.exchanges {
		exchanges = append(exchanges, e)
	}
	vh.mu.Unlock()

	for _, e := range exchanges {
		e.RemoveDestination(q)
	}
	return q.Delete(), nil
}

// PurgeQueue discards the available messages of a queue
func (vh *VirtualHost) PurgeQueue(name string) (int, error) {
	q, ok := vh.GetQueue(name)
	if !ok {
		return 0, amqperrors.NewQueueNotFound(name, "queue.purge")
	}
	return q.Purge(), nil
}

// BindQueue binds a queue to an exchange
func (vh *VirtualHost) BindQueue(exchange, queue, key string, args protocol.Table) (bool, error) {
	e, err := vh.bindableExchange(exchange, "queue.bind")
	if err != nil {
		return false, err
	}
	q, ok := vh.GetQueue(queue)
	if !ok {
		return false, amqperrors.NewQueueNotFound(queue, "queue.bind")
	}
	return e.AddBinding(key, q, args)
}

// UnbindQueue removes a queue binding
func (vh *VirtualHost) UnbindQueue(exchange, queue, key string) error {
	e, err := vh.bindableExchange(exchange, "queue.unbind")
	if err != nil {
		return err
	}
	q, ok := vh.GetQueue(queue)
	if !ok {
		return amqperrors.NewQueueNotFound(queue, "queue.unbind")
	}
	return e.RemoveBinding(key, q)
}

// BindExchange binds destination to source
func (vh *VirtualHost) BindExchange(destination, source, key string, args protocol.Table) (bool, error) {
	src, err := vh.bindableExchange(source, "exchange.bind")
	if err != nil {
		return false, err
	}
	dst, err := vh.bindableExchange(destination, "exchange.bind")
	if err != nil {
		return false, err
	}
	return src.AddBinding(key, dst, args)
}

// UnbindExchange removes an exchange-to-exchange binding
func (vh *VirtualHost) UnbindExchange(destination, source, key string) error {
	src, err := vh.bindableExchange(source, "exchange.unbind")
	if err != nil {
		return err
	}
	dst, err := vh.bindableExchange(destination, "exchange.unbind")
	if err != nil {
		return err
	}
	return src.RemoveBinding(key, dst)
}

func (vh *VirtualHost) bindableExchange(name, method string) (*Exchange, error) {
	if name == DefaultExchange {
		return nil, amqperrors.NewExchangeReserved(name, method)
	}
	e, ok := vh.GetExchange(name)
	if !ok {
		return nil, amqperrors.NewExchangeNotFound(name, method)
	}
	return e, nil
}

// Route finds the queues for a message published to exchange. When nothing
// matches and the exchange has an alternate, the alternate is tried.
func (vh *VirtualHost) Route(exchange string, msg *protocol.Message) (RouteResult, error) {
	e, ok := vh.GetExchange(exchange)
	if !ok {
		return RouteResult{}, amqperrors.NewExchangeNotFound(exchange, "basic.publish")
	}
	res := e.Route(msg, msg.RoutingKey)
	if res.Outcome == NoRoute && e.alternate != "" {
		if alt, ok := vh.GetExchange(e.alternate); ok {
			if altRes := alt.Route(msg, msg.RoutingKey); altRes.Outcome == Routed {
				return altRes, nil
			}
		}
	}
	return res, nil
}

// DeadLetterMove is a dead-letter whose store transaction is in flight.
// The queues are only touched once the commit finishes: PostCommit applies
// the move and OnRollback hands the instance back to its queue.
type DeadLetterMove struct {
	vh      *VirtualHost
	inst    *MessageInstance
	targets []*Queue
	records []interfaces.EnqueueRecord
}

// Targets is the number of queues that will receive the message; zero
// means it is discarded
func (m *DeadLetterMove) Targets() int { return len(m.targets) }

// PostCommit removes the instance from its queue and places the message on
// the alternate exchange's queues
func (m *DeadLetterMove) PostCommit() {
	q := m.inst.queue
	q.Dequeue(m.inst)
	for i, target := range m.targets {
		target.Enqueue(m.inst.stored, m.records[i])
	}
	if len(m.targets) == 0 {
		m.vh.logger.Warn("Discarding message that exceeded its delivery limit",
			zap.String("queue", q.name),
			zap.String("alternate_exchange", q.alternateExchange),
			zap.Int("delivery_count", m.inst.DeliveryCount()))
	}
}

// OnRollback returns the instance to its queue
func (m *DeadLetterMove) OnRollback() {
	m.inst.Unpin()
	m.inst.Release()
}

// DeadLetter starts moving an acquired instance to its queue's alternate
// exchange in one store transaction. The instance stays pinned to its
// owner until the returned future completes and the caller runs the move's
// PostCommit or OnRollback.
func (vh *VirtualHost) DeadLetter(inst *MessageInstance) (*DeadLetterMove, interfaces.Future) {
	q := inst.queue
	inst.MakeUnstealable()
	move := &DeadLetterMove{vh: vh, inst: inst}
	if q.alternateExchange != "" {
		if alt, ok := vh.GetExchange(q.alternateExchange); ok {
			msg := inst.Message()
			key := msg.RoutingKey
			if q.deadLetterKey != "" {
				key = q.deadLetterKey
			}
			for _, target := range alt.Route(msg, key).Queues {
				if target != q {
					move.targets = append(move.targets, target)
				}
			}
		}
	}

	txn := vh.store.NewTransaction()
	move.records = make([]interfaces.EnqueueRecord, len(move.targets))
	for i, target := range move.targets {
		move.records[i] = txn.Enqueue(target, inst.stored)
	}
	if inst.record != nil {
		txn.Dequeue(inst.record)
	}
	return move, txn.CommitAsync()
}

// discard removes the store records of instances a queue dropped. The
// instances are already gone from the queue, so nothing waits on the commit.
func (vh *VirtualHost) discard(insts []*MessageInstance) {
	txn := vh.store.NewTransaction()
	n := 0
	for _, inst := range insts {
		if inst.record != nil {
			txn.Dequeue(inst.record)
			n++
		}
	}
	if n == 0 {
		txn.Abort()
		return
	}
	future := txn.CommitAsync()
	logger := vh.logger
	go func() {
		<-future.Done()
		if err := future.Err(); err != nil {
			logger.Error("Failed to remove discarded messages from store",
				zap.Int("count", n),
				zap.Error(err))
		}
	}()
}

// Recover replays durable messages from the store. Queues that no longer
// exist are declared as plain durable queues.
func (vh *VirtualHost) Recover() (int, error) {
	recovered := 0
	err := vh.store.Recover(func(queueName string, record interfaces.EnqueueRecord, msg interfaces.StoredMessage) error {
		q, ok := vh.GetQueue(queueName)
		if !ok {
			var err error
			q, _, err = vh.DeclareQueue(QueueSettings{Name: queueName, Durable: true})
			if err != nil {
				return fmt.Errorf("declare recovered queue %s: %w", queueName, err)
			}
		}
		if q.Enqueue(msg, record) != nil {
			recovered++
		}
		return nil
	})
	if err != nil {
		return recovered, err
	}
	vh.logger.Info("Recovered durable messages", zap.Int("count", recovered))
	return recovered, nil
}

// GenerateQueueName returns a fresh server-named queue name
func GenerateQueueName() string {
	return generatedNamePrefix + uuid.NewString()
}
