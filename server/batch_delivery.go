package server

import (
	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/transaction"
	"go.uber.org/zap"
)

// deliverPending runs one delivery pass: consumers take turns, one message
// each, until none can make progress or the per-pass budget runs out. An
// exhausted budget schedules another pass so other channels get the loop.
func (ch *Channel) deliverPending() {
	ch.workPending.Store(false)
	if !ch.canDeliver() {
		return
	}

	budget := ch.config.MaxDeliveriesPerPass
	delivered := 0
	for {
		progress := false
		for _, c := range append([]*Consumer(nil), ch.consumerOrder...) {
			if budget > 0 && delivered >= budget {
				ch.notifyWork()
				return
			}
			if c.IsClosed() {
				continue
			}
			inst, charged := c.pull()
			if inst == nil {
				continue
			}
			ch.deliver(c, inst, charged)
			delivered++
			progress = true
			if !ch.canDeliver() {
				return
			}
		}
		if !progress {
			return
		}
	}
}

// deliver sends inst to c under a fresh delivery tag. Acquired messages go
// to the unacknowledged ledger, or straight to removal for no-ack
// consumers; browsers leave no trace.
func (ch *Channel) deliver(c *Consumer, inst *broker.MessageInstance, charged bool) uint64 {
	ch.deliveryTag++
	tag := ch.deliveryTag
	msg := inst.Message()
	redelivered := inst.IsRedelivered()

	if c.acquires {
		inst.IncrementDeliveryCount()
		if c.noAck {
			ch.dequeueNow(inst)
		} else {
			ch.unacked.Add(tag, inst, c, charged)
		}
	}

	ch.sendContent(&protocol.BasicDeliverMethod{
		ConsumerTag: c.tag,
		DeliveryTag: tag,
		Redelivered: redelivered,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
	}, msg)

	ch.metrics.RecordMessageDelivered(len(msg.Body))
	if redelivered {
		ch.metrics.RecordMessageRedelivered()
	}
	if ce := ch.logger.Check(zap.DebugLevel, "Delivered message"); ce != nil {
		ce.Write(
			zap.String("consumer_tag", c.tag),
			zap.Uint64("delivery_tag", tag),
			zap.String("queue", inst.Queue().Name()),
			zap.Bool("redelivered", redelivered))
	}
	return tag
}

// dequeueNow removes an instance outside any client transaction, as for
// no-ack deliveries
func (ch *Channel) dequeueNow(inst *broker.MessageInstance) {
	q := inst.Queue()
	ch.auto.Dequeue(records(inst), transaction.ActionFuncs{
		Commit:   func() { q.Dequeue(inst) },
		Rollback: func() { inst.Release() },
	})
}

func records(inst *broker.MessageInstance) []interfaces.EnqueueRecord {
	if inst.Record() == nil {
		return nil
	}
	return []interfaces.EnqueueRecord{inst.Record()}
}
