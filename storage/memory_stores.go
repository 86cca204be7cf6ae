package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
)

// MemoryStore keeps every message in process. Durable enqueues of
// persistent messages are remembered so Recover can replay them, which
// lets tests exercise recovery without a disk.
type MemoryStore struct {
	nextID atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	durable map[string]map[uint64]*memoryMessage
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		durable: make(map[string]map[uint64]*memoryMessage),
	}
}

// memoryMessage is both the handle and the stored message
type memoryMessage struct {
	id   uint64
	meta *protocol.Message

	mu   sync.Mutex
	body []byte
	full *protocol.Message
}

func (m *memoryMessage) AddContent(chunk []byte) {
	m.mu.Lock()
	m.body = append(m.body, chunk...)
	m.mu.Unlock()
}

func (m *memoryMessage) AllContentAdded() interfaces.StoredMessage {
	m.mu.Lock()
	m.full = m.meta.WithBody(m.body)
	m.mu.Unlock()
	return m
}

func (m *memoryMessage) MessageNumber() uint64 { return m.id }

func (m *memoryMessage) Message() *protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full == nil {
		return m.meta.WithBody(m.body)
	}
	return m.full
}

func (m *memoryMessage) ContentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.body))
}

// FlowToDisk never releases anything: there is no disk
func (m *memoryMessage) FlowToDisk() bool { return false }

type enqueueRecord struct {
	queue string
	id    uint64
}

func (r enqueueRecord) QueueName() string     { return r.queue }
func (r enqueueRecord) MessageNumber() uint64 { return r.id }

// AddMessage starts a new message
func (s *MemoryStore) AddMessage(msg *protocol.Message) interfaces.MessageHandle {
	return &memoryMessage{
		id:   s.nextID.Add(1),
		meta: msg.WithBody(nil),
	}
}

// NewTransaction starts a store transaction
func (s *MemoryStore) NewTransaction() interfaces.StoreTransaction {
	return &memoryTransaction{store: s}
}

// Recover replays remembered durable enqueues in queue and message order
func (s *MemoryStore) Recover(visitor interfaces.RecoveryVisitor) error {
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}

	s.mu.Lock()
	queues := make([]string, 0, len(s.durable))
	for q := range s.durable {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	type item struct {
		queue string
		msg   *memoryMessage
	}
	var items []item
	for _, q := range queues {
		ids := make([]uint64, 0, len(s.durable[q]))
		for id := range s.durable[q] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			items = append(items, item{q, s.durable[q][id]})
		}
	}
	s.mu.Unlock()

	for _, it := range items {
		if err := visitor(it.queue, enqueueRecord{queue: it.queue, id: it.msg.id}, it.msg); err != nil {
			return err
		}
	}
	return nil
}

// DurableCount returns the number of remembered durable enqueues on queue
func (s *MemoryStore) DurableCount(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.durable[queue])
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryOp struct {
	enqueue bool
	queue   string
	durable bool
	msg     *memoryMessage
	id      uint64
}

type memoryTransaction struct {
	store *MemoryStore
	ops   []memoryOp
	done  bool
}

func (t *memoryTransaction) Enqueue(queue interfaces.Resource, msg interfaces.StoredMessage) interfaces.EnqueueRecord {
	rec := enqueueRecord{queue: queue.Name(), id: msg.MessageNumber()}
	mm, _ := msg.(*memoryMessage)
	durable := queue.IsDurable() && msg.Message().Persistent()
	t.ops = append(t.ops, memoryOp{enqueue: true, queue: rec.queue, durable: durable, msg: mm, id: rec.id})
	return rec
}

func (t *memoryTransaction) Dequeue(record interfaces.EnqueueRecord) {
	t.ops = append(t.ops, memoryOp{queue: record.QueueName(), id: record.MessageNumber()})
}

func (t *memoryTransaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.store.closed.Load() {
		return interfaces.ErrStoreClosed
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		if op.enqueue {
			if !op.durable || op.msg == nil {
				continue
			}
			q, ok := t.store.durable[op.queue]
			if !ok {
				q = make(map[uint64]*memoryMessage)
				t.store.durable[op.queue] = q
			}
			q[op.id] = op.msg
			continue
		}
		if q, ok := t.store.durable[op.queue]; ok {
			delete(q, op.id)
			if len(q) == 0 {
				delete(t.store.durable, op.queue)
			}
		}
	}
	t.ops = nil
	return nil
}

func (t *memoryTransaction) CommitAsync() interfaces.Future {
	return NewCompletedFuture(t.Commit())
}

func (t *memoryTransaction) Abort() {
	t.done = true
	t.ops = nil
}
