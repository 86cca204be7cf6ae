package server

import (
	"sync/atomic"

	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/flow"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

// Consumer is a subscription made by basic.consume. It may draw from
// several queues. Queue-side callbacks arrive on other goroutines and only
// post to the owning connection.
type Consumer struct {
	tag       string
	channel   *Channel
	noAck     bool
	exclusive bool
	// acquires is false for browsers
	acquires bool
	credit   *flow.CreditManager
	sources  []*broker.QueueConsumer
	// next is the source to try first on the following pull
	next int
	// suspended is set while the consumer waits for credit
	suspended bool
	closed    atomic.Bool
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string { return c.tag }

// NotifyWork schedules a delivery pass on the consumer's channel
func (c *Consumer) NotifyWork() {
	c.channel.notifyWork()
}

// QueueDeleted hands the deletion to the channel loop
func (c *Consumer) QueueDeleted(q *broker.Queue) {
	c.channel.conn.post(queueDeletedEvent{consumer: c, queue: q})
}

// RestoreCredit returns capacity to the consumer and its channel
func (c *Consumer) RestoreCredit(count, size int64) {
	own := c.credit.RestoreCredit(count, size)
	shared := c.channel.credit.RestoreCredit(count, size)
	if (own || shared) && !c.IsClosed() {
		c.channel.notifyWork()
	}
}

// setSuspended records a credit stall or its end. Consumers with unlimited
// credit of their own are not logged.
func (c *Consumer) setSuspended(suspended bool) {
	if c.suspended == suspended {
		return
	}
	c.suspended = suspended
	if c.credit.IsGreedy() {
		return
	}
	msg := "Consumer resumed"
	if suspended {
		msg = "Consumer suspended for lack of credit"
	}
	if ce := c.channel.logger.Check(zap.DebugLevel, msg); ce != nil {
		count, size := c.credit.Outstanding()
		ce.Write(
			zap.String("consumer_tag", c.tag),
			zap.Int64("outstanding_count", count),
			zap.Int64("outstanding_bytes", size))
	}
}

// IsClosed reports whether the consumer has been cancelled
func (c *Consumer) IsClosed() bool { return c.closed.Load() }

// Queues returns the names of the queues the consumer draws from
func (c *Consumer) Queues() []string {
	names := make([]string, len(c.sources))
	for i, qc := range c.sources {
		names[i] = qc.Queue().Name()
	}
	return names
}

func (c *Consumer) usesCredit() bool {
	return c.acquires && !c.noAck
}

func (c *Consumer) hasCredit() bool {
	return !c.usesCredit() || (c.channel.credit.HasCredit() && c.credit.HasCredit())
}

// takeCredit charges one message of size bytes to the channel and the
// consumer, or to neither
func (c *Consumer) takeCredit(size int64) bool {
	if !c.channel.credit.UseCreditForMessage(size) {
		return false
	}
	if !c.credit.UseCreditForMessage(size) {
		c.channel.credit.RestoreCredit(1, size)
		return false
	}
	return true
}

// forceCredit charges a resend regardless of the limits
func (c *Consumer) forceCredit(size int64) {
	c.channel.credit.ForceUseCredit(size)
	c.credit.ForceUseCredit(size)
}

// pull takes the next message from the consumer's sources, starting after
// the source that delivered last. It reports whether credit was charged.
func (c *Consumer) pull() (*broker.MessageInstance, bool) {
	n := len(c.sources)
	if n == 0 {
		return nil, false
	}
	if !c.hasCredit() {
		c.setSuspended(true)
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (c.next + i) % n
		qc := c.sources[idx]
		charged := false
		refused := false
		inst := qc.Queue().TryAcquireNext(qc, func(inst *broker.MessageInstance) bool {
			if !c.usesCredit() {
				return true
			}
			if c.takeCredit(inst.Size()) {
				charged = true
				return true
			}
			refused = true
			return false
		})
		if inst != nil {
			c.next = (idx + 1) % n
			c.setSuspended(false)
			return inst, charged
		}
		if refused {
			c.setSuspended(true)
			return nil, false
		}
	}
	return nil, false
}

func (c *Consumer) removeSource(q *broker.Queue) {
	for i, qc := range c.sources {
		if qc.Queue() == q {
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			break
		}
	}
	if c.next >= len(c.sources) {
		c.next = 0
	}
}

// unsubscribe detaches a consumer from its queues. Auto-delete queues that
// lose their last consumer are deleted.
func (ch *Channel) unsubscribe(c *Consumer) {
	if c.closed.Swap(true) {
		return
	}
	delete(ch.consumers, c.tag)
	for i, other := range ch.consumerOrder {
		if other == c {
			ch.consumerOrder = append(ch.consumerOrder[:i], ch.consumerOrder[i+1:]...)
			break
		}
	}

	sources := c.sources
	c.sources = nil
	for _, qc := range sources {
		q := qc.Queue()
		if !q.RemoveConsumer(qc) {
			continue
		}
		if _, err := ch.vhost.DeleteQueue(q.Name(), false, false); err != nil {
			ch.logger.Debug("Auto-delete queue already gone", zap.String("queue", q.Name()), zap.Error(err))
			continue
		}
		ch.metrics.RecordQueueDeleted()
		ch.metrics.DeleteQueueMetrics(q.Name(), ch.vhost.Name())
		ch.logger.Info("Deleted auto-delete queue after last consumer left", zap.String("queue", q.Name()))
	}
}

// consumerQueueDeleted drops a deleted queue from a consumer and cancels
// the consumer when nothing is left to consume from
func (ch *Channel) consumerQueueDeleted(c *Consumer, q *broker.Queue) {
	if ch.defaultQueue == q {
		ch.defaultQueue = nil
	}
	if c.IsClosed() {
		return
	}
	c.removeSource(q)
	if len(c.sources) > 0 {
		return
	}
	ch.unsubscribe(c)
	ch.logger.Info("Cancelling consumer after its queue was deleted",
		zap.String("consumer_tag", c.tag),
		zap.String("queue", q.Name()))
	ch.send(&protocol.BasicCancelMethod{ConsumerTag: c.tag, NoWait: true})
}
