package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dgraph-io/badger/v4"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Key layout:
//
//	m/<message number>  encoded message
//	q/<queue name>      roaring64 set of message numbers live on the queue
var (
	messagePrefix = []byte("m/")
	queuePrefix   = []byte("q/")
)

// BadgerOptions configures a BadgerStore
type BadgerOptions struct {
	// Path is the database directory; empty runs badger in memory
	Path                 string
	SyncWrites           bool
	CompressionThreshold int
	CommitWorkers        int64
	Logger               *zap.Logger
}

// BadgerStore persists persistent messages enqueued on durable queues.
// Everything else is tracked in memory only and never touches disk unless
// flowed there to save memory.
type BadgerStore struct {
	db     *badger.DB
	codec  *MessageCodec
	sem    *semaphore.Weighted
	logger *zap.Logger

	nextID atomic.Uint64
	closed atomic.Bool

	workers int64

	// mu serializes commits and guards the live sets
	mu   sync.Mutex
	live map[string]*roaring64.Bitmap
}

// NewBadgerStore opens (or creates) a badger database
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CommitWorkers <= 0 {
		opts.CommitWorkers = 4
	}

	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	codec, err := NewMessageCodec(opts.CompressionThreshold)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BadgerStore{
		db:      db,
		codec:   codec,
		sem:     semaphore.NewWeighted(opts.CommitWorkers),
		workers: opts.CommitWorkers,
		logger:  logger,
		live:    make(map[string]*roaring64.Bitmap),
	}, nil
}

func messageKey(id uint64) []byte {
	key := make([]byte, len(messagePrefix)+8)
	copy(key, messagePrefix)
	binary.BigEndian.PutUint64(key[len(messagePrefix):], id)
	return key
}

func queueKey(name string) []byte {
	return append(append([]byte{}, queuePrefix...), name...)
}

// badgerMessage is the handle and stored message for the badger store
type badgerMessage struct {
	store *BadgerStore
	id    uint64
	meta  *protocol.Message

	mu        sync.Mutex
	body      []byte
	size      int64
	persisted bool
	flowed    bool
	refCount  int
}

func (m *badgerMessage) AddContent(chunk []byte) {
	m.mu.Lock()
	m.body = append(m.body, chunk...)
	m.size = int64(len(m.body))
	m.mu.Unlock()
}

func (m *badgerMessage) AllContentAdded() interfaces.StoredMessage { return m }

func (m *badgerMessage) MessageNumber() uint64 { return m.id }

func (m *badgerMessage) ContentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Message returns the full message. A flowed body is read back from disk
// for this call only and is not cached again.
func (m *badgerMessage) Message() *protocol.Message {
	m.mu.Lock()
	flowed, body := m.flowed, m.body
	m.mu.Unlock()
	if !flowed {
		return m.meta.WithBody(body)
	}

	msg, err := m.store.load(m.id)
	if err != nil {
		m.store.logger.Error("Failed to reload flowed message body",
			zap.Uint64("message_number", m.id),
			zap.Error(err))
		return m.meta.WithBody(nil)
	}
	return msg
}

// FlowToDisk writes the message if needed and drops its body from memory
func (m *badgerMessage) FlowToDisk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flowed || m.size == 0 {
		return false
	}
	if !m.persisted {
		data, err := m.store.codec.Encode(m.meta, m.body)
		if err != nil {
			m.store.logger.Error("Failed to encode message for flow to disk", zap.Error(err))
			return false
		}
		if err := m.store.db.Update(func(txn *badger.Txn) error {
			return txn.Set(messageKey(m.id), data)
		}); err != nil {
			m.store.logger.Error("Failed to flow message to disk",
				zap.Uint64("message_number", m.id),
				zap.Error(err))
			return false
		}
		m.persisted = true
	}
	m.body = nil
	m.flowed = true
	return true
}

type badgerRecord struct {
	queue   string
	id      uint64
	durable bool
	msg     *badgerMessage
}

func (r *badgerRecord) QueueName() string     { return r.queue }
func (r *badgerRecord) MessageNumber() uint64 { return r.id }

// AddMessage starts a new message
func (s *BadgerStore) AddMessage(msg *protocol.Message) interfaces.MessageHandle {
	return &badgerMessage{
		store: s,
		id:    s.nextID.Add(1),
		meta:  msg.WithBody(nil),
	}
}

// NewTransaction starts a store transaction
func (s *BadgerStore) NewTransaction() interfaces.StoreTransaction {
	return &badgerTransaction{store: s}
}

func (s *BadgerStore) load(id uint64) (*protocol.Message, error) {
	var msg *protocol.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrMessageNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			msg, err = s.codec.Decode(val)
			return err
		})
	})
	return msg, err
}

// Recover replays every durable enqueue record and removes message bodies
// that no queue references any more.
func (s *BadgerStore) Recover(visitor interfaces.RecoveryVisitor) error {
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}

	live := make(map[string]*roaring64.Bitmap)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(queuePrefix); it.ValidForPrefix(queuePrefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(queuePrefix):])
			bm := roaring64.New()
			if err := item.Value(func(val []byte) error {
				return bm.UnmarshalBinary(val)
			}); err != nil {
				return fmt.Errorf("queue %s live set: %w", name, err)
			}
			live[name] = bm
		}
		return nil
	})
	if err != nil {
		return err
	}

	all := roaring64.New()
	for _, bm := range live {
		all.Or(bm)
	}
	if err := s.removeOrphans(all); err != nil {
		return err
	}

	messages := make(map[uint64]*badgerMessage)
	s.mu.Lock()
	for name, bm := range live {
		s.live[name] = bm
		it := bm.Iterator()
		for it.HasNext() {
			id := it.Next()
			m, ok := messages[id]
			if !ok {
				msg, err := s.load(id)
				if err != nil {
					s.mu.Unlock()
					return fmt.Errorf("load message %d: %w", id, err)
				}
				m = &badgerMessage{
					store:     s,
					id:        id,
					meta:      msg.WithBody(nil),
					body:      msg.Body,
					size:      msg.Size(),
					persisted: true,
				}
				messages[id] = m
			}
			m.refCount++
		}
	}
	// Maximum panics on an empty bitmap
	if !all.IsEmpty() {
		if highest := all.Maximum(); highest >= s.nextID.Load() {
			s.nextID.Store(highest)
		}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		it := live[name].Iterator()
		for it.HasNext() {
			id := it.Next()
			m := messages[id]
			if err := visitor(name, &badgerRecord{queue: name, id: id, durable: true, msg: m}, m); err != nil {
				return err
			}
		}
	}
	s.logger.Info("Recovered durable store",
		zap.Int("queues", len(live)),
		zap.Int("messages", len(messages)))
	return nil
}

func (s *BadgerStore) removeOrphans(live *roaring64.Bitmap) error {
	var orphans [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(messagePrefix); it.ValidForPrefix(messagePrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := binary.BigEndian.Uint64(key[len(messagePrefix):])
			if !live.Contains(id) {
				orphans = append(orphans, key)
			}
		}
		return nil
	})
	if err != nil || len(orphans) == 0 {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range orphans {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	s.logger.Debug("Removed orphaned message bodies", zap.Int("count", len(orphans)))
	return nil
}

// LiveCount returns the number of durable messages recorded for queue
func (s *BadgerStore) LiveCount(queue string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bm, ok := s.live[queue]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Close waits for in-flight async commits and closes the database
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// holding every worker slot waits out in-flight async commits
	_ = s.sem.Acquire(context.Background(), s.workers)
	return s.db.Close()
}

func (s *BadgerStore) commit(t *badgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := make(map[string]*roaring64.Bitmap)
	liveSet := func(name string) *roaring64.Bitmap {
		if bm, ok := dirty[name]; ok {
			return bm
		}
		bm := roaring64.New()
		if cur, ok := s.live[name]; ok {
			bm = cur.Clone()
		}
		dirty[name] = bm
		return bm
	}

	var writes []*badgerMessage
	var deletes []uint64
	refDelta := make(map[*badgerMessage]int)
	pending := make(map[*badgerMessage]struct{})

	for _, rec := range t.enqueues {
		refDelta[rec.msg]++
		if !rec.durable {
			continue
		}
		liveSet(rec.queue).Add(rec.id)
		if _, ok := pending[rec.msg]; ok {
			continue
		}
		rec.msg.mu.Lock()
		if !rec.msg.persisted {
			writes = append(writes, rec.msg)
			pending[rec.msg] = struct{}{}
		}
		rec.msg.mu.Unlock()
	}
	for _, rec := range t.dequeues {
		if rec.durable {
			liveSet(rec.queue).Remove(rec.id)
		}
		if rec.msg != nil {
			refDelta[rec.msg]--
		}
	}
	for m, delta := range refDelta {
		m.mu.Lock()
		if m.refCount+delta <= 0 && m.persisted && delta < 0 {
			deletes = append(deletes, m.id)
		}
		m.mu.Unlock()
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range writes {
			m.mu.Lock()
			data, err := s.codec.Encode(m.meta, m.body)
			m.mu.Unlock()
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(m.id), data); err != nil {
				return err
			}
		}
		for name, bm := range dirty {
			if bm.IsEmpty() {
				if err := txn.Delete(queueKey(name)); err != nil {
					return err
				}
				continue
			}
			data, err := bm.MarshalBinary()
			if err != nil {
				return err
			}
			if err := txn.Set(queueKey(name), data); err != nil {
				return err
			}
		}
		for _, id := range deletes {
			if err := txn.Delete(messageKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit store transaction: %w", err)
	}

	for _, m := range writes {
		m.mu.Lock()
		m.persisted = true
		m.mu.Unlock()
	}
	for name, bm := range dirty {
		if bm.IsEmpty() {
			delete(s.live, name)
		} else {
			s.live[name] = bm
		}
	}
	for m, delta := range refDelta {
		m.mu.Lock()
		m.refCount += delta
		if m.refCount <= 0 {
			m.persisted = false
		}
		m.mu.Unlock()
	}
	return nil
}

type badgerTransaction struct {
	store    *BadgerStore
	enqueues []*badgerRecord
	dequeues []*badgerRecord
	done     bool
}

func (t *badgerTransaction) Enqueue(queue interfaces.Resource, msg interfaces.StoredMessage) interfaces.EnqueueRecord {
	bm, ok := msg.(*badgerMessage)
	if !ok {
		panic(fmt.Sprintf("badger store cannot enqueue %T", msg))
	}
	rec := &badgerRecord{
		queue:   queue.Name(),
		id:      bm.id,
		durable: queue.IsDurable() && bm.meta.Persistent(),
		msg:     bm,
	}
	t.enqueues = append(t.enqueues, rec)
	return rec
}

func (t *badgerTransaction) Dequeue(record interfaces.EnqueueRecord) {
	rec, ok := record.(*badgerRecord)
	if !ok {
		rec = &badgerRecord{queue: record.QueueName(), id: record.MessageNumber(), durable: true}
	}
	t.dequeues = append(t.dequeues, rec)
}

func (t *badgerTransaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if len(t.enqueues) == 0 && len(t.dequeues) == 0 {
		return nil
	}
	if t.store.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	return t.store.commit(t)
}

// CommitAsync runs the commit on a worker. At most CommitWorkers commits
// run at once.
func (t *badgerTransaction) CommitAsync() interfaces.Future {
	if t.done {
		return NewCompletedFuture(nil)
	}
	t.done = true
	if len(t.enqueues) == 0 && len(t.dequeues) == 0 {
		return NewCompletedFuture(nil)
	}
	if t.store.closed.Load() {
		return NewCompletedFuture(interfaces.ErrStoreClosed)
	}

	f := newAsyncFuture()
	if err := t.store.sem.Acquire(context.Background(), 1); err != nil {
		f.complete(err)
		return f
	}
	go func() {
		defer t.store.sem.Release(1)
		f.complete(t.store.commit(t))
	}()
	return f
}

func (t *badgerTransaction) Abort() {
	t.done = true
	t.enqueues = nil
	t.dequeues = nil
}
