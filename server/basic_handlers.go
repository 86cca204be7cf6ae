package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/broker"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/flow"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/ledger"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/transaction"
	"go.uber.org/zap"
)

const (
	// ArgMultiQueue lists extra queue names a single consumer draws from
	ArgMultiQueue = "x-multiqueue"
	// ArgBrowse makes a consumer see messages without acquiring them
	ArgBrowse = "x-browse"

	consumerTagPrefix = "amq.ctag-"
)

// pendingPublish is a basic.publish whose content is still arriving
type pendingPublish struct {
	method   *protocol.BasicPublishMethod
	msg      *protocol.Message
	handle   interfaces.MessageHandle
	header   bool
	expected uint64
	received uint64
}

// publish starts assembling a message. Content frames follow.
func (ch *Channel) publish(m *protocol.BasicPublishMethod) error {
	if ch.publishing != nil {
		return amqperrors.NewUnexpectedFrame("basic.publish while previous content is incomplete")
	}
	if err := ch.conn.token.AuthorisePublish(m.Exchange, m.RoutingKey, m.Immediate); err != nil {
		return err
	}
	e, ok := ch.vhost.GetExchange(m.Exchange)
	if !ok {
		return amqperrors.NewExchangeNotFound(m.Exchange, "basic.publish")
	}
	if e.IsInternal() {
		return amqperrors.NewExchangeError(amqperrors.AccessRefused,
			"cannot publish to internal exchange", m.Exchange, "basic.publish")
	}
	ch.publishing = &pendingPublish{method: m}
	return ch.checkFlowEnforcement()
}

func (ch *Channel) publishContentHeader(h *protocol.ContentHeader) error {
	p := ch.publishing
	if p == nil || p.header {
		return amqperrors.NewUnexpectedFrame("content header without basic.publish")
	}
	if err := h.Validate(); err != nil {
		ch.publishing = nil
		return amqperrors.NewFrameError(err.Error())
	}
	if max := ch.config.MaxMessageSize; max > 0 && h.BodySize > uint64(max) {
		ch.publishing = nil
		return amqperrors.NewMessageTooLarge(int64(h.BodySize), max)
	}

	p.header = true
	p.expected = h.BodySize
	p.msg = &protocol.Message{
		Exchange:     p.method.Exchange,
		RoutingKey:   p.method.RoutingKey,
		Mandatory:    p.method.Mandatory,
		Immediate:    p.method.Immediate,
		Properties:   h.Properties,
		ArrivalTime:  time.Now(),
		ConnectionID: ch.conn.id,
	}
	p.handle = ch.store.AddMessage(p.msg)
	if p.expected == 0 {
		return ch.completePublish()
	}
	return nil
}

func (ch *Channel) publishContentBody(body []byte) error {
	p := ch.publishing
	if p == nil || !p.header {
		return amqperrors.NewUnexpectedFrame("content body without content header")
	}
	if p.received+uint64(len(body)) > p.expected {
		ch.publishing = nil
		return amqperrors.NewFrameError("content body exceeds declared size")
	}
	p.handle.AddContent(body)
	p.received += uint64(len(body))
	if p.received == p.expected {
		return ch.completePublish()
	}
	return nil
}

func (ch *Channel) completePublish() error {
	p := ch.publishing
	ch.publishing = nil
	stored := p.handle.AllContentAdded()
	return ch.routeMessage(p.msg, stored)
}

// routeMessage enqueues a complete message on every matching queue through
// the channel's current transaction
func (ch *Channel) routeMessage(msg *protocol.Message, stored interfaces.StoredMessage) error {
	ch.metrics.RecordMessagePublished(int(stored.ContentSize()))

	res, err := ch.vhost.Route(msg.Exchange, msg)
	if err != nil {
		return err
	}
	if len(res.Queues) == 0 {
		return ch.handleUnroutable(msg, res.Outcome)
	}

	if msg.Immediate {
		for _, q := range res.Queues {
			if !q.HasAcquiringConsumer() {
				ch.returnMessage(amqperrors.NoConsumers, "NO_CONSUMERS", msg)
				return nil
			}
		}
	}

	queues := res.Queues
	resources := make([]interfaces.Resource, len(queues))
	for i, q := range queues {
		resources[i] = q
	}
	ch.txn.Enqueue(resources, stored, transaction.EnqueueFuncs{
		Commit: func(records []interfaces.EnqueueRecord) {
			for i, q := range queues {
				var rec interfaces.EnqueueRecord
				if i < len(records) {
					rec = records[i]
				}
				q.Enqueue(stored, rec)
				if ch.state == channelActive {
					ch.watchCapacity(q)
				}
			}
		},
	})
	ch.metrics.RecordMessageRouted(len(queues))
	return nil
}

func (ch *Channel) handleUnroutable(msg *protocol.Message, outcome broker.RouteOutcome) error {
	ch.metrics.RecordMessageUnroutable()
	if msg.Mandatory && outcome == broker.NoRoute &&
		ch.IsTransactional() && ch.config.CloseWhenNoRoute {
		return amqperrors.NewUnroutableClose(ch.conn.id, msg.Exchange, msg.RoutingKey)
	}
	if msg.Mandatory || msg.Immediate {
		ch.returnMessage(amqperrors.NoRoute, "NO_ROUTE", msg)
		return nil
	}
	ch.logger.Debug("Dropping unroutable message",
		zap.String("exchange", msg.Exchange),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("outcome", outcome.String()))
	ch.metrics.RecordMessageDropped("unroutable")
	return nil
}

// returnMessage sends basic.return once the current transaction commits
func (ch *Channel) returnMessage(code int, text string, msg *protocol.Message) {
	ch.txn.AddPostTransactionAction(transaction.ActionFuncs{
		Commit: func() {
			ch.sendContent(&protocol.BasicReturnMethod{
				ReplyCode:  uint16(code),
				ReplyText:  text,
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
			}, msg)
			ch.metrics.RecordMessageReturned()
		},
	})
}

// qos sets the channel-wide limit when global, otherwise the limit each
// later consumer on the channel gets
func (ch *Channel) qos(m *protocol.BasicQosMethod) error {
	if m.Global {
		ch.credit.SetCreditLimits(int64(m.PrefetchSize), int64(m.PrefetchCount))
	} else {
		ch.prefetchCount = m.PrefetchCount
		ch.prefetchSize = m.PrefetchSize
	}
	ch.logger.Debug("Basic QoS settings",
		zap.Uint32("prefetch_size", m.PrefetchSize),
		zap.Uint16("prefetch_count", m.PrefetchCount),
		zap.Bool("global", m.Global))
	ch.send(&protocol.BasicQosOKMethod{})
	ch.notifyWork()
	return nil
}

func (ch *Channel) consume(m *protocol.BasicConsumeMethod) error {
	tag := m.ConsumerTag
	if tag == "" {
		tag = consumerTagPrefix + uuid.NewString()
	}
	if _, exists := ch.consumers[tag]; exists {
		return amqperrors.NewConsumerTagInUse(tag, m.Queue)
	}

	names, err := consumeQueueNames(m)
	if err != nil {
		return err
	}
	queues := make([]*broker.Queue, 0, len(names))
	for _, name := range names {
		q, err := ch.resolveQueue(name, "basic.consume")
		if err != nil {
			return err
		}
		if err := q.CheckAccess(ch.owner(), "basic.consume"); err != nil {
			return err
		}
		if err := ch.conn.token.Authorise(auth.OpRead, q.Name()); err != nil {
			return err
		}
		queues = append(queues, q)
	}

	sel, err := ch.selectorFor(m.Arguments)
	if err != nil {
		return amqperrors.NewChannelError(amqperrors.PreconditionFailed,
			"invalid selector: "+err.Error(), ch.conn.id, ch.id)
	}
	browse, _ := m.Arguments[ArgBrowse].(bool)

	c := &Consumer{
		tag:       tag,
		channel:   ch,
		noAck:     m.NoAck,
		exclusive: m.Exclusive,
		acquires:  !browse,
		credit:    flow.NewCreditManager(int64(ch.prefetchSize), int64(ch.prefetchCount)),
	}
	opts := broker.ConsumerOptions{
		Acquires:     !browse,
		SeesRequeues: !browse,
		Exclusive:    m.Exclusive,
		NoLocal:      m.NoLocal,
		ConnectionID: ch.conn.id,
		Selector:     sel,
	}
	ch.consumers[tag] = c
	for _, q := range queues {
		qc, err := q.AddConsumer(c, opts)
		if err != nil {
			for _, added := range c.sources {
				added.Queue().RemoveConsumer(added)
			}
			c.sources = nil
			delete(ch.consumers, tag)
			return err
		}
		c.sources = append(c.sources, qc)
	}
	ch.consumerOrder = append(ch.consumerOrder, c)

	ch.logger.Debug("Consumer registered",
		zap.String("consumer_tag", tag),
		zap.Strings("queues", c.Queues()),
		zap.Bool("no_ack", m.NoAck),
		zap.Bool("browse", browse))
	if !m.NoWait {
		ch.send(&protocol.BasicConsumeOKMethod{ConsumerTag: tag})
	}
	ch.notifyWork()
	return nil
}

// consumeQueueNames returns the queue named by the method followed by any
// extra queues listed in its arguments, without duplicates
func consumeQueueNames(m *protocol.BasicConsumeMethod) ([]string, error) {
	names := []string{m.Queue}
	raw, ok := m.Arguments[ArgMultiQueue]
	if !ok || raw == nil {
		return names, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, amqperrors.NewCommandInvalid(ArgMultiQueue+" must be an array of queue names",
			protocol.ClassBasic, protocol.BasicConsume)
	}
	seen := map[string]struct{}{m.Queue: {}}
	for _, v := range list {
		name, ok := v.(string)
		if !ok {
			return nil, amqperrors.NewCommandInvalid(ArgMultiQueue+" must be an array of queue names",
				protocol.ClassBasic, protocol.BasicConsume)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}

func (ch *Channel) selectorFor(args protocol.Table) (filter.Selector, error) {
	if cache := ch.vhost.Selectors(); cache != nil {
		return cache.FromArguments(args)
	}
	raw, ok := args[filter.SelectorArgument]
	if !ok || raw == nil {
		return nil, nil
	}
	expr, _ := raw.(string)
	if expr == "" {
		return nil, nil
	}
	return filter.Parse(expr)
}

func (ch *Channel) cancel(m *protocol.BasicCancelMethod) error {
	c, ok := ch.consumers[m.ConsumerTag]
	if !ok {
		return amqperrors.NewConsumerNotFound(m.ConsumerTag)
	}
	ch.unsubscribe(c)
	ch.logger.Debug("Consumer cancelled", zap.String("consumer_tag", m.ConsumerTag))
	if !m.NoWait {
		ch.send(&protocol.BasicCancelOKMethod{ConsumerTag: m.ConsumerTag})
	}
	return nil
}

func (ch *Channel) get(m *protocol.BasicGetMethod) error {
	q, err := ch.resolveQueue(m.Queue, "basic.get")
	if err != nil {
		return err
	}
	if err := q.CheckAccess(ch.owner(), "basic.get"); err != nil {
		return err
	}
	if err := ch.conn.token.Authorise(auth.OpRead, q.Name()); err != nil {
		return err
	}

	inst := q.Get(ch.getConsumer, true)
	if inst == nil {
		ch.send(&protocol.BasicGetEmptyMethod{})
		return nil
	}

	ch.deliveryTag++
	tag := ch.deliveryTag
	inst.IncrementDeliveryCount()
	redelivered := inst.IsRedelivered()
	if m.NoAck {
		ch.dequeueNow(inst)
	} else {
		ch.unacked.Add(tag, inst, ch.getConsumer, false)
	}

	msg := inst.Message()
	ch.sendContent(&protocol.BasicGetOKMethod{
		DeliveryTag:  tag,
		Redelivered:  redelivered,
		Exchange:     msg.Exchange,
		RoutingKey:   msg.RoutingKey,
		MessageCount: uint32(q.MessageCount()),
	}, msg)
	ch.metrics.RecordMessageDelivered(len(msg.Body))
	if redelivered {
		ch.metrics.RecordMessageRedelivered()
	}
	return nil
}

func (ch *Channel) ack(m *protocol.BasicAckMethod) error {
	entries := ch.unacked.Acknowledge(m.DeliveryTag, m.Multiple)
	if len(entries) == 0 {
		ch.logger.Debug("Ack matched no outstanding delivery",
			zap.Uint64("delivery_tag", m.DeliveryTag),
			zap.Bool("multiple", m.Multiple))
		return nil
	}
	for _, e := range entries {
		ch.dequeueEntry(e)
	}
	return nil
}

// dequeueEntry removes an acknowledged delivery from its queue when the
// current transaction commits. A rollback hands it back to the channel.
func (ch *Channel) dequeueEntry(e *ledger.Entry) {
	inst := e.Instance
	inst.MakeUnstealable()
	q := inst.Queue()
	ch.txn.Dequeue(records(inst), transaction.ActionFuncs{
		Commit: func() {
			q.Dequeue(inst)
			ch.metrics.RecordMessageAcknowledged()
		},
		Rollback: func() {
			inst.Unpin()
			ch.rolledBack = append(ch.rolledBack, e)
		},
	})
}

func (ch *Channel) reject(m *protocol.BasicRejectMethod) error {
	ch.dispose(m.DeliveryTag, false, m.Requeue)
	return nil
}

func (ch *Channel) nack(m *protocol.BasicNackMethod) error {
	ch.dispose(m.DeliveryTag, m.Multiple, m.Requeue)
	return nil
}

// dispose handles a negative acknowledgement. Requeued messages go back to
// their queue without the attempt counting. Otherwise a message past its
// delivery limit is dead-lettered, and one within it stays on the ledger
// until it is resent.
func (ch *Channel) dispose(tag uint64, multiple, requeue bool) {
	for _, e := range ch.unacked.Collect(tag, multiple) {
		if e.Rejected && !requeue {
			// already waiting for a resend
			continue
		}
		ch.metrics.RecordMessageRejected()
		inst := e.Instance
		switch {
		case requeue:
			ch.unacked.Remove(e.Tag, true)
			inst.DecrementDeliveryCount()
			inst.Release()
		case inst.MaximumDeliveryCount() == 0 || inst.IsDeliveredTooManyTimes():
			ch.unacked.Remove(e.Tag, true)
			ch.deadLetter(inst, "rejected")
		default:
			e.Rejected = true
		}
	}
}

func (ch *Channel) deadLetter(inst *broker.MessageInstance, reason string) {
	move, future := ch.vhost.DeadLetter(inst)
	ch.addCompletion(future, func(err error) error {
		if err != nil {
			ch.logger.Error("Failed to dead-letter message",
				zap.String("queue", inst.Queue().Name()),
				zap.String("reason", reason),
				zap.Error(err))
			move.OnRollback()
			return nil
		}
		move.PostCommit()
		if move.Targets() > 0 {
			ch.metrics.RecordMessageDeadLettered()
		} else {
			ch.metrics.RecordMessageDropped(reason)
		}
		return nil
	})
}

// recover redelivers every outstanding delivery. With requeue the messages
// go back to their queues; without it they are resent to the consumers that
// hold them, or requeued when that consumer is gone.
func (ch *Channel) recover(requeue, sendOK bool) error {
	if err := ch.processCompletions(true); err != nil {
		return err
	}
	if requeue {
		for _, e := range ch.unacked.Drain() {
			e.Instance.Release()
		}
	} else {
		var resend []*ledger.Entry
		ch.unacked.Visit(func(e *ledger.Entry) bool {
			resend = append(resend, e)
			return true
		})
		for _, e := range resend {
			c, attached := ch.attachedConsumer(e.Consumer)
			if !attached {
				ch.unacked.Remove(e.Tag, true)
				e.Instance.Release()
				continue
			}
			ch.unacked.Remove(e.Tag, false)
			e.Instance.SetRedelivered()
			ch.deliver(c, e.Instance, e.UsesCredit)
		}
	}
	if sendOK {
		ch.send(&protocol.BasicRecoverOKMethod{})
	}
	ch.notifyWork()
	return nil
}

// attachedConsumer returns the channel's consumer behind target when it is
// still subscribed
func (ch *Channel) attachedConsumer(target broker.ConsumerTarget) (*Consumer, bool) {
	c, ok := target.(*Consumer)
	if !ok || c.IsClosed() || ch.consumers[c.tag] != c {
		return nil, false
	}
	return c, true
}

// Sync waits for every outstanding store commit on the channel and runs its
// follow-up work
func (ch *Channel) Sync() error {
	return ch.processCompletions(true)
}
