package broker

import (
	"github.com/maxpert/amqp-engine/filter"
)

// ConsumerTarget is the channel-side half of a subscription. Queues call
// into it from any goroutine, so implementations must only post events to
// their owning connection loop.
type ConsumerTarget interface {
	Tag() string
	// NotifyWork signals that a queue may have something to deliver
	NotifyWork()
	// QueueDeleted reports that one of the target's sources went away
	QueueDeleted(q *Queue)
	// RestoreCredit returns capacity taken by count deliveries of size bytes
	RestoreCredit(count, size int64)
	IsClosed() bool
}

// ConsumerOptions describe how a subscription sees a queue
type ConsumerOptions struct {
	// Acquires is false for browsers, which see messages without taking them
	Acquires bool
	// SeesRequeues lets the consumer go back to released messages behind its position
	SeesRequeues bool
	Exclusive    bool
	// NoLocal skips messages published on ConnectionID
	NoLocal      bool
	ConnectionID string
	Selector     filter.Selector
}

// QueueConsumer is one target's attachment to one queue
type QueueConsumer struct {
	queue    *Queue
	target   ConsumerTarget
	opts     ConsumerOptions
	position uint64
}

// Queue returns the queue this attachment belongs to
func (qc *QueueConsumer) Queue() *Queue {
	return qc.queue
}

// Target returns the attached consumer
func (qc *QueueConsumer) Target() ConsumerTarget {
	return qc.target
}

// Options returns the attachment options
func (qc *QueueConsumer) Options() ConsumerOptions {
	return qc.opts
}

func (qc *QueueConsumer) accepts(inst *MessageInstance) bool {
	if !qc.opts.SeesRequeues && inst.seq <= qc.position {
		return false
	}
	if qc.opts.NoLocal && qc.opts.ConnectionID != "" && inst.meta.ConnectionID == qc.opts.ConnectionID {
		return false
	}
	if qc.opts.Selector != nil && !qc.opts.Selector.Matches(filter.MessageView{Msg: inst.meta}) {
		return false
	}
	return true
}
