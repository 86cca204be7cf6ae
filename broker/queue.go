package broker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/protocol"
	"go.uber.org/zap"
)

// Queue arguments understood by the broker
const (
	ArgAlternateExchange    = "alternate-exchange"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMaxDeliveryCount     = "x-max-delivery-count"
	ArgMaxPriority          = "x-max-priority"
	ArgSortKey              = "x-sort-key"
	ArgLastValueKey         = "x-last-value-key"
	ArgFlowStopBytes        = "x-flow-stop-bytes"
	ArgFlowResumeBytes      = "x-flow-resume-bytes"
	ArgExclusivityPolicy    = "x-exclusivity-policy"

	maxPriorityLevels = 255
)

// ExclusivityPolicy limits who may use a queue
type ExclusivityPolicy uint8

const (
	ExclusivityNone ExclusivityPolicy = iota
	ExclusivitySession
	ExclusivityConnection
	ExclusivityPrincipal
)

// ParseExclusivityPolicy maps the x-exclusivity-policy argument
func ParseExclusivityPolicy(s string) (ExclusivityPolicy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ExclusivityNone, nil
	case "session":
		return ExclusivitySession, nil
	case "connection":
		return ExclusivityConnection, nil
	case "principal":
		return ExclusivityPrincipal, nil
	}
	return ExclusivityNone, fmt.Errorf("unknown exclusivity policy %q", s)
}

func (p ExclusivityPolicy) String() string {
	switch p {
	case ExclusivityNone:
		return "none"
	case ExclusivitySession:
		return "session"
	case ExclusivityConnection:
		return "connection"
	case ExclusivityPrincipal:
		return "principal"
	default:
		return "unknown"
	}
}

// Owner identifies the party using a queue, at each exclusivity granularity
type Owner struct {
	ConnectionID string
	SessionID    string
	Principal    string
}

// FlowListener is told when a queue crosses its flow thresholds
type FlowListener interface {
	QueueOverfull(q *Queue)
	QueueUnderfull(q *Queue)
}

// QueueSettings are the declared attributes of a queue
type QueueSettings struct {
	Name        string
	Durable     bool
	AutoDelete  bool
	Exclusivity ExclusivityPolicy
	Owner       Owner
	Arguments   protocol.Table

	// DefaultMaxDeliveryCount applies when the arguments do not set one
	DefaultMaxDeliveryCount int
}

type queueOrder uint8

const (
	orderFIFO queueOrder = iota
	orderPriority
	orderSorted
	orderLastValue
)

// Queue holds message instances in delivery order. Acquired instances stay
// in place so a release restores the original position.
type Queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusivity ExclusivityPolicy
	owner       Owner
	arguments   protocol.Table

	alternateExchange string
	deadLetterKey     string
	maxDeliveryCount  int
	flowStopBytes     int64
	flowResumeBytes   int64

	order       queueOrder
	maxPriority uint8
	sortKey     string
	lvqKey      string

	logger *zap.Logger

	mu           sync.Mutex
	entries      []*MessageInstance
	lastValues   map[string]*MessageInstance
	nextSeq      uint64
	available    int
	depth        int64
	consumers    []*QueueConsumer
	hadConsumers bool
	deleted      bool
	overfull     bool
	listeners    map[FlowListener]struct{}
	discard      func([]*MessageInstance)
}

// NewQueue creates a queue from its declared settings
func NewQueue(settings QueueSettings, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := protocol.ValidateTable(settings.Arguments); err != nil {
		return nil, amqperrors.NewQueueError(amqperrors.PreconditionFailed, err.Error(), settings.Name, "queue.declare")
	}

	q := &Queue{
		name:             settings.Name,
		durable:          settings.Durable,
		autoDelete:       settings.AutoDelete,
		exclusivity:      settings.Exclusivity,
		owner:            settings.Owner,
		arguments:        settings.Arguments,
		maxDeliveryCount: settings.DefaultMaxDeliveryCount,
		listeners:        make(map[FlowListener]struct{}),
		logger:           logger.With(zap.String("queue", settings.Name)),
	}
	if err := q.applyArguments(settings.Arguments); err != nil {
		return nil, amqperrors.NewQueueError(amqperrors.PreconditionFailed, err.Error(), settings.Name, "queue.declare")
	}
	return q, nil
}

func (q *Queue) applyArguments(args protocol.Table) error {
	if args == nil {
		return nil
	}
	if v, ok := stringArg(args, ArgAlternateExchange); ok {
		q.alternateExchange = v
	}
	if v, ok := stringArg(args, ArgDeadLetterExchange); ok {
		q.alternateExchange = v
	}
	if v, ok := stringArg(args, ArgDeadLetterRoutingKey); ok {
		q.deadLetterKey = v
	}
	if v, ok, err := intArg(args, ArgMaxDeliveryCount); err != nil {
		return err
	} else if ok {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", ArgMaxDeliveryCount)
		}
		q.maxDeliveryCount = int(v)
	}
	if v, ok, err := intArg(args, ArgFlowStopBytes); err != nil {
		return err
	} else if ok {
		q.flowStopBytes = v
		q.flowResumeBytes = v
	}
	if v, ok, err := intArg(args, ArgFlowResumeBytes); err != nil {
		return err
	} else if ok {
		q.flowResumeBytes = v
	}
	if q.flowStopBytes > 0 && q.flowResumeBytes > q.flowStopBytes {
		return fmt.Errorf("%s must not exceed %s", ArgFlowResumeBytes, ArgFlowStopBytes)
	}
	if v, ok := stringArg(args, ArgExclusivityPolicy); ok {
		p, err := ParseExclusivityPolicy(v)
		if err != nil {
			return err
		}
		q.exclusivity = p
	}

	variants := 0
	if v, ok, err := intArg(args, ArgMaxPriority); err != nil {
		return err
	} else if ok {
		if v < 1 || v > maxPriorityLevels {
			return fmt.Errorf("%s must be between 1 and %d", ArgMaxPriority, maxPriorityLevels)
		}
		q.order = orderPriority
		q.maxPriority = uint8(v)
		variants++
	}
	if v, ok := stringArg(args, ArgSortKey); ok && v != "" {
		q.order = orderSorted
		q.sortKey = v
		variants++
	}
	if v, ok := stringArg(args, ArgLastValueKey); ok && v != "" {
		q.order = orderLastValue
		q.lvqKey = v
		q.lastValues = make(map[string]*MessageInstance)
		variants++
	}
	if variants > 1 {
		return fmt.Errorf("only one of %s, %s and %s may be set", ArgMaxPriority, ArgSortKey, ArgLastValueKey)
	}
	return nil
}

// Name implements interfaces.Resource
func (q *Queue) Name() string { return q.name }

// IsDurable implements interfaces.Resource
func (q *Queue) IsDurable() bool { return q.durable }

func (q *Queue) IsAutoDelete() bool { return q.autoDelete }

func (q *Queue) Exclusivity() ExclusivityPolicy { return q.exclusivity }

func (q *Queue) Arguments() protocol.Table { return q.arguments }

// AlternateExchange returns the dead-letter destination, or ""
func (q *Queue) AlternateExchange() string { return q.alternateExchange }

// DeadLetterRoutingKey returns the routing key override for dead letters, or ""
func (q *Queue) DeadLetterRoutingKey() string { return q.deadLetterKey }

// MaxDeliveryCount returns the delivery limit; zero means unlimited
func (q *Queue) MaxDeliveryCount() int { return q.maxDeliveryCount }

func (q *Queue) destinationName() string { return q.name }

// CheckAccess returns a locked-queue error when owner may not use an
// exclusive queue
func (q *Queue) CheckAccess(owner Owner, method string) error {
	var mine, theirs string
	switch q.exclusivity {
	case ExclusivityNone:
		return nil
	case ExclusivitySession:
		mine, theirs = q.owner.SessionID, owner.SessionID
	case ExclusivityConnection:
		mine, theirs = q.owner.ConnectionID, owner.ConnectionID
	case ExclusivityPrincipal:
		mine, theirs = q.owner.Principal, owner.Principal
	}
	if mine != theirs {
		return amqperrors.NewQueueLocked(q.name, method)
	}
	return nil
}

func (q *Queue) setDiscarder(fn func([]*MessageInstance)) {
	q.mu.Lock()
	q.discard = fn
	q.mu.Unlock()
}

// less orders instances for delivery. Sequence numbers break every tie, so
// the order is total.
func (q *Queue) less(a, b *MessageInstance) bool {
	switch q.order {
	case orderPriority:
		pa, pb := q.effectivePriority(a), q.effectivePriority(b)
		if pa != pb {
			return pa > pb
		}
	case orderSorted:
		ka, kb := a.meta.HeaderString(q.sortKey), b.meta.HeaderString(q.sortKey)
		if ka != kb {
			return ka < kb
		}
	}
	return a.seq < b.seq
}

func (q *Queue) effectivePriority(m *MessageInstance) uint8 {
	p := m.meta.Priority()
	if p > q.maxPriority {
		return q.maxPriority
	}
	return p
}

func (q *Queue) indexOf(inst *MessageInstance) int {
	i := sort.Search(len(q.entries), func(i int) bool {
		return !q.less(q.entries[i], inst)
	})
	if i < len(q.entries) && q.entries[i] == inst {
		return i
	}
	return -1
}

func (q *Queue) removeAt(i int) {
	inst := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	q.depth -= inst.size
	if q.lastValues != nil {
		key := inst.meta.HeaderString(q.lvqKey)
		if q.lastValues[key] == inst {
			delete(q.lastValues, key)
		}
	}
}

// Enqueue places a stored message on the queue. A deleted queue discards it
// and returns nil.
func (q *Queue) Enqueue(stored interfaces.StoredMessage, record interfaces.EnqueueRecord) *MessageInstance {
	q.mu.Lock()
	q.nextSeq++
	inst := newInstance(q, q.nextSeq, stored, record)

	if q.deleted {
		inst.state = StateDeleted
		discard := q.discard
		q.mu.Unlock()
		if discard != nil {
			discard([]*MessageInstance{inst})
		}
		return nil
	}

	var replaced *MessageInstance
	if q.lastValues != nil {
		if key := inst.meta.HeaderString(q.lvqKey); key != "" {
			if old, ok := q.lastValues[key]; ok && old.state == StateAvailable {
				if i := q.indexOf(old); i >= 0 {
					q.removeAt(i)
					old.state = StateDeleted
					q.available--
					replaced = old
				}
			}
			q.lastValues[key] = inst
		}
	}

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.less(inst, q.entries[i])
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = inst
	q.available++
	q.depth += inst.size

	overfull := q.checkOverfullLocked()
	listeners := q.listenerSnapshotLocked()
	targets := q.targetSnapshotLocked()
	discard := q.discard
	q.mu.Unlock()

	if replaced != nil && discard != nil {
		discard([]*MessageInstance{replaced})
	}
	if overfull {
		q.logger.Debug("Queue over flow stop threshold", zap.Int64("stop_bytes", q.flowStopBytes))
		for _, l := range listeners {
			l.QueueOverfull(q)
		}
	}
	for _, t := range targets {
		t.NotifyWork()
	}
	return inst
}

func (q *Queue) checkOverfullLocked() bool {
	if q.flowStopBytes <= 0 || q.overfull || q.depth < q.flowStopBytes {
		return false
	}
	q.overfull = true
	return true
}

func (q *Queue) checkUnderfullLocked() bool {
	if !q.overfull || q.depth > q.flowResumeBytes {
		return false
	}
	q.overfull = false
	return true
}

func (q *Queue) listenerSnapshotLocked() []FlowListener {
	if len(q.listeners) == 0 {
		return nil
	}
	out := make([]FlowListener, 0, len(q.listeners))
	for l := range q.listeners {
		out = append(out, l)
	}
	return out
}

func (q *Queue) targetSnapshotLocked() []ConsumerTarget {
	out := make([]ConsumerTarget, 0, len(q.consumers))
	for _, qc := range q.consumers {
		out = append(out, qc.target)
	}
	return out
}

// CheckCapacity registers l for threshold notifications and reports whether
// the queue is currently over its stop threshold.
func (q *Queue) CheckCapacity(l FlowListener) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted || q.flowStopBytes <= 0 {
		return false
	}
	q.listeners[l] = struct{}{}
	return q.overfull
}

// RemoveFlowListener stops threshold notifications to l
func (q *Queue) RemoveFlowListener(l FlowListener) {
	q.mu.Lock()
	delete(q.listeners, l)
	q.mu.Unlock()
}

// IsOverfull reports whether the queue is above its stop threshold
func (q *Queue) IsOverfull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overfull
}

// AddConsumer attaches target to the queue, enforcing consumer exclusivity
func (q *Queue) AddConsumer(target ConsumerTarget, opts ConsumerOptions) (*QueueConsumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return nil, amqperrors.NewQueueDeleted(q.name, "basic.consume")
	}
	for _, existing := range q.consumers {
		if existing.opts.Exclusive {
			return nil, amqperrors.NewExclusiveConsumerExists(target.Tag(), q.name)
		}
	}
	if opts.Exclusive && len(q.consumers) > 0 {
		return nil, amqperrors.NewExistingConsumerPreventsExclusive(target.Tag(), q.name)
	}

	qc := &QueueConsumer{queue: q, target: target, opts: opts}
	q.consumers = append(q.consumers, qc)
	q.hadConsumers = true
	return qc, nil
}

// RemoveConsumer detaches qc. It reports whether the queue is auto-delete
// and has just lost its last consumer.
func (q *Queue) RemoveConsumer(qc *QueueConsumer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.consumers {
		if c == qc {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	return q.autoDelete && q.hadConsumers && len(q.consumers) == 0 && !q.deleted
}

// ConsumerCount returns the number of attached consumers
func (q *Queue) ConsumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// HasAcquiringConsumer reports whether any attached consumer takes messages
func (q *Queue) HasAcquiringConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qc := range q.consumers {
		if qc.opts.Acquires && !qc.target.IsClosed() {
			return true
		}
	}
	return false
}

// TryAcquireNext finds the next instance qc may receive. admit is called
// under the queue lock for the chosen instance and may refuse it (no credit),
// in which case nothing changes. Acquiring consumers take ownership of the
// instance; browsers only advance their position.
func (q *Queue) TryAcquireNext(qc *QueueConsumer, admit func(*MessageInstance) bool) *MessageInstance {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted || q.available == 0 {
		return nil
	}
	for _, inst := range q.entries {
		if inst.state != StateAvailable || !qc.accepts(inst) {
			continue
		}
		if admit != nil && !admit(inst) {
			return nil
		}
		if qc.opts.Acquires {
			inst.state = StateAcquired
			inst.owner = qc.target
			q.available--
		}
		if inst.seq > qc.position {
			qc.position = inst.seq
		}
		return inst
	}
	return nil
}

// Get takes the first available instance for a synchronous fetch. With
// acquire false the instance is only observed.
func (q *Queue) Get(target ConsumerTarget, acquire bool) *MessageInstance {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return nil
	}
	for _, inst := range q.entries {
		if inst.state != StateAvailable {
			continue
		}
		if acquire {
			inst.state = StateAcquired
			inst.owner = target
			q.available--
		}
		return inst
	}
	return nil
}

// Release returns an acquired instance to the available set and wakes the
// consumers. Releasing onto a deleted queue discards the message. An
// instance pinned by MakeUnstealable stays acquired until it is unpinned.
func (q *Queue) Release(inst *MessageInstance) {
	q.mu.Lock()
	if inst.state != StateAcquired || inst.unstealable {
		q.mu.Unlock()
		return
	}
	inst.owner = nil
	inst.unstealable = false
	inst.redelivered = true

	if q.deleted {
		if i := q.indexOf(inst); i >= 0 {
			q.removeAt(i)
		}
		inst.state = StateDeleted
		discard := q.discard
		q.mu.Unlock()
		if discard != nil {
			discard([]*MessageInstance{inst})
		}
		return
	}

	inst.state = StateAvailable
	q.available++
	targets := q.targetSnapshotLocked()
	q.mu.Unlock()

	for _, t := range targets {
		t.NotifyWork()
	}
}

// Dequeue removes an instance for good, after its store record is gone
func (q *Queue) Dequeue(inst *MessageInstance) {
	q.mu.Lock()
	if inst.state == StateDequeued || inst.state == StateDeleted {
		q.mu.Unlock()
		return
	}
	if inst.state == StateAvailable {
		q.available--
	}
	if i := q.indexOf(inst); i >= 0 {
		q.removeAt(i)
	}
	inst.state = StateDequeued
	inst.owner = nil

	underfull := q.checkUnderfullLocked()
	listeners := q.listenerSnapshotLocked()
	q.mu.Unlock()

	if underfull {
		q.logger.Debug("Queue back under flow resume threshold", zap.Int64("resume_bytes", q.flowResumeBytes))
		for _, l := range listeners {
			l.QueueUnderfull(q)
		}
	}
}

// Purge discards every available instance and returns how many there were.
// Acquired instances are left to their consumers.
func (q *Queue) Purge() int {
	q.mu.Lock()
	removed := q.takeAvailableLocked()
	underfull := q.checkUnderfullLocked()
	listeners := q.listenerSnapshotLocked()
	discard := q.discard
	q.mu.Unlock()

	if discard != nil && len(removed) > 0 {
		discard(removed)
	}
	if underfull {
		for _, l := range listeners {
			l.QueueUnderfull(q)
		}
	}
	return len(removed)
}

func (q *Queue) takeAvailableLocked() []*MessageInstance {
	var removed []*MessageInstance
	kept := q.entries[:0]
	for _, inst := range q.entries {
		if inst.state == StateAvailable {
			inst.state = StateDeleted
			q.depth -= inst.size
			removed = append(removed, inst)
			continue
		}
		kept = append(kept, inst)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	q.available = 0
	if q.lastValues != nil {
		for k, inst := range q.lastValues {
			if inst.state == StateDeleted {
				delete(q.lastValues, k)
			}
		}
	}
	return removed
}

// Delete marks the queue deleted, discards its available messages and tells
// every consumer. It returns the number of messages discarded.
func (q *Queue) Delete() int {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return 0
	}
	q.deleted = true
	removed := q.takeAvailableLocked()
	consumers := q.consumers
	q.consumers = nil
	listeners := q.listenerSnapshotLocked()
	wasOverfull := q.overfull
	q.overfull = false
	q.listeners = make(map[FlowListener]struct{})
	discard := q.discard
	q.mu.Unlock()

	if discard != nil && len(removed) > 0 {
		discard(removed)
	}
	if wasOverfull {
		for _, l := range listeners {
			l.QueueUnderfull(q)
		}
	}
	for _, qc := range consumers {
		qc.target.QueueDeleted(q)
	}
	q.logger.Debug("Queue deleted", zap.Int("discarded", len(removed)))
	return len(removed)
}

// IsDeleted reports whether the queue has been deleted
func (q *Queue) IsDeleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleted
}

// MessageCount returns the number of available messages
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.available
}

// Depth returns the bytes held by the queue, acquired messages included
func (q *Queue) Depth() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// EntryCount returns all instances still on the queue, acquired or not
func (q *Queue) EntryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// flowToDisk asks the store to drop in-memory bodies of available messages,
// oldest last, until target bytes have been released. It returns the bytes
// released.
func (q *Queue) flowToDisk(target int64) int64 {
	q.mu.Lock()
	candidates := make([]*MessageInstance, 0, len(q.entries))
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].state == StateAvailable {
			candidates = append(candidates, q.entries[i])
		}
	}
	q.mu.Unlock()

	var released int64
	for _, inst := range candidates {
		if released >= target {
			break
		}
		if inst.stored.FlowToDisk() {
			released += inst.size
		}
	}
	return released
}

func stringArg(args protocol.Table, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return fmt.Sprint(v), true
}

func intArg(args protocol.Table, key string) (int64, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int8:
		return int64(n), true, nil
	case int16:
		return int64(n), true, nil
	case int32:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint8:
		return int64(n), true, nil
	case uint16:
		return int64(n), true, nil
	case uint32:
		return int64(n), true, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return i, true, nil
	}
	return 0, false, fmt.Errorf("%s must be an integer, got %T", key, v)
}
