package broker

import (
	"sync/atomic"

	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
)

// InstanceState is the acquisition state of a message on a queue
type InstanceState uint8

const (
	StateAvailable InstanceState = iota
	StateAcquired
	StateDequeued
	StateDeleted
)

func (s InstanceState) String() string {
	switch s {
	case StateAvailable:
		return "AVAILABLE"
	case StateAcquired:
		return "ACQUIRED"
	case StateDequeued:
		return "DEQUEUED"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// MessageInstance is the placement of one message on one queue. State and
// owner are guarded by the queue lock; the delivery count is only touched by
// the channel holding the instance but is atomic so gauges can read it.
type MessageInstance struct {
	queue  *Queue
	seq    uint64
	stored interfaces.StoredMessage
	record interfaces.EnqueueRecord
	// meta is the header-only view used for ordering and selection
	meta *protocol.Message
	size int64

	state       InstanceState
	owner       ConsumerTarget
	redelivered bool
	unstealable bool

	deliveryCount atomic.Int32
}

func newInstance(q *Queue, seq uint64, stored interfaces.StoredMessage, record interfaces.EnqueueRecord) *MessageInstance {
	msg := stored.Message()
	return &MessageInstance{
		queue:  q,
		seq:    seq,
		stored: stored,
		record: record,
		meta:   msg.WithBody(nil),
		size:   stored.ContentSize(),
	}
}

// Queue returns the queue holding the instance
func (m *MessageInstance) Queue() *Queue { return m.queue }

// Stored returns the store's view of the message
func (m *MessageInstance) Stored() interfaces.StoredMessage { return m.stored }

// Record returns the enqueue record, or nil for messages that were never persisted
func (m *MessageInstance) Record() interfaces.EnqueueRecord { return m.record }

// Message returns the full message including its body
func (m *MessageInstance) Message() *protocol.Message { return m.stored.Message() }

// Header returns the header-only message view
func (m *MessageInstance) Header() *protocol.Message { return m.meta }

// Size returns the body size
func (m *MessageInstance) Size() int64 { return m.size }

// Seq returns the queue-local sequence number
func (m *MessageInstance) Seq() uint64 { return m.seq }

// State returns the acquisition state
func (m *MessageInstance) State() InstanceState {
	m.queue.mu.Lock()
	defer m.queue.mu.Unlock()
	return m.state
}

// IsAcquiredBy reports whether target currently holds the instance
func (m *MessageInstance) IsAcquiredBy(target ConsumerTarget) bool {
	m.queue.mu.Lock()
	defer m.queue.mu.Unlock()
	return m.state == StateAcquired && m.owner == target
}

// IsRedelivered reports whether the message has been released or resent before
func (m *MessageInstance) IsRedelivered() bool {
	m.queue.mu.Lock()
	defer m.queue.mu.Unlock()
	return m.redelivered
}

// SetRedelivered marks the instance for the redelivered flag on its next delivery
func (m *MessageInstance) SetRedelivered() {
	m.queue.mu.Lock()
	m.redelivered = true
	m.queue.mu.Unlock()
}

// MakeUnstealable pins an acquired instance to its owner while a
// disposition is in flight. It fails if the instance is not acquired.
func (m *MessageInstance) MakeUnstealable() bool {
	m.queue.mu.Lock()
	defer m.queue.mu.Unlock()
	if m.state != StateAcquired {
		return false
	}
	m.unstealable = true
	return true
}

// Unpin ends the disposition MakeUnstealable started
func (m *MessageInstance) Unpin() {
	m.queue.mu.Lock()
	m.unstealable = false
	m.queue.mu.Unlock()
}

// Release makes an acquired instance available again at its original
// position in the queue.
func (m *MessageInstance) Release() {
	m.queue.Release(m)
}

// DeliveryCount returns the number of recorded delivery attempts
func (m *MessageInstance) DeliveryCount() int {
	return int(m.deliveryCount.Load())
}

// IncrementDeliveryCount records one more delivery attempt
func (m *MessageInstance) IncrementDeliveryCount() {
	m.deliveryCount.Add(1)
}

// DecrementDeliveryCount undoes one increment. The count never goes negative.
func (m *MessageInstance) DecrementDeliveryCount() {
	for {
		cur := m.deliveryCount.Load()
		if cur == 0 {
			return
		}
		if m.deliveryCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// MaximumDeliveryCount returns the queue's limit; zero means unlimited
func (m *MessageInstance) MaximumDeliveryCount() int {
	return m.queue.maxDeliveryCount
}

// IsDeliveredTooManyTimes reports whether the instance has reached its
// queue's maximum delivery count
func (m *MessageInstance) IsDeliveredTooManyTimes() bool {
	max := m.MaximumDeliveryCount()
	return max != 0 && m.DeliveryCount() >= max
}
