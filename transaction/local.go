package transaction

import (
	"fmt"
	"time"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/storage"
	"go.uber.org/zap"
)

// LocalTransaction buffers effects until an explicit commit or rollback.
// It is owned by one channel and must only be used from that channel's
// connection loop.
type LocalTransaction struct {
	store  interfaces.Store
	stats  *Stats
	logger *zap.Logger
	now    func() time.Time

	// flowThreshold bounds uncommitted body bytes held in memory; zero disables
	flowThreshold int64

	txn     interfaces.StoreTransaction
	actions []Action
	// pending holds messages enqueued in this unit of work, for flow to disk
	pending     []interfaces.StoredMessage
	flowed      bool
	openedAt    time.Time
	activityAt  time.Time
	uncommitted int64
	// inflight is the size of committed work whose store commit has not
	// yet completed
	inflight int64
}

// LocalOption customizes a LocalTransaction
type LocalOption func(*LocalTransaction)

// WithFlowToDiskThreshold sets the uncommitted-bytes limit past which message
// bodies are released from memory
func WithFlowToDiskThreshold(bytes int64) LocalOption {
	return func(t *LocalTransaction) { t.flowThreshold = bytes }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) LocalOption {
	return func(t *LocalTransaction) { t.now = now }
}

// NewLocalTransaction creates an idle local transaction
func NewLocalTransaction(store interfaces.Store, stats *Stats, logger *zap.Logger, opts ...LocalOption) *LocalTransaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &LocalTransaction{
		store:  store,
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *LocalTransaction) IsTransactional() bool { return true }

// Open reports whether the transaction holds uncommitted work
func (t *LocalTransaction) Open() bool {
	return t.txn != nil || len(t.actions) > 0
}

// State returns the transaction's state
func (t *LocalTransaction) State() interfaces.TransactionState {
	if t.Open() {
		return interfaces.TransactionStateOpen
	}
	return interfaces.TransactionStateIdle
}

// OpenedAt returns when the current unit of work started, or the zero
// time when idle
func (t *LocalTransaction) OpenedAt() time.Time { return t.openedAt }

// IdleSince returns the time of the last effect registered in the current
// unit of work, or the zero time when idle
func (t *LocalTransaction) IdleSince() time.Time { return t.activityAt }

// UncommittedBytes returns the body bytes enqueued and not yet durably committed
func (t *LocalTransaction) UncommittedBytes() int64 { return t.uncommitted + t.inflight }

func (t *LocalTransaction) begin() {
	now := t.now()
	if !t.Open() {
		t.openedAt = now
		t.stats.opened()
	}
	t.activityAt = now
}

func (t *LocalTransaction) storeTxn() interfaces.StoreTransaction {
	if t.txn == nil {
		t.txn = t.store.NewTransaction()
	}
	return t.txn
}

// Enqueue registers msg for every queue. The store records are created now
// but the action only sees them after commit.
func (t *LocalTransaction) Enqueue(queues []interfaces.Resource, msg interfaces.StoredMessage, action EnqueueAction) {
	t.begin()
	txn := t.storeTxn()
	records := make([]interfaces.EnqueueRecord, len(queues))
	for i, q := range queues {
		records[i] = txn.Enqueue(q, msg)
	}
	t.actions = append(t.actions, enqueueBinding{action: action, records: records})
	t.stats.operation(interfaces.OpEnqueue)

	t.pending = append(t.pending, msg)
	t.uncommitted += msg.ContentSize()
	t.checkFlowToDisk()
}

func (t *LocalTransaction) checkFlowToDisk() {
	if t.flowThreshold <= 0 || t.uncommitted <= t.flowThreshold {
		return
	}
	if !t.flowed {
		t.flowed = true
		t.logger.Info("Uncommitted transaction size exceeds limit, flowing message bodies to disk",
			zap.Int64("uncommitted_bytes", t.uncommitted),
			zap.Int64("limit", t.flowThreshold))
	}
	for _, msg := range t.pending {
		msg.FlowToDisk()
	}
	t.pending = t.pending[:0]
}

// Dequeue registers records for removal
func (t *LocalTransaction) Dequeue(records []interfaces.EnqueueRecord, action Action) {
	t.begin()
	txn := t.storeTxn()
	for _, r := range records {
		if r != nil {
			txn.Dequeue(r)
		}
	}
	if action != nil {
		t.actions = append(t.actions, action)
	}
	t.stats.operation(interfaces.OpDequeue)
}

// AddPostTransactionAction appends action to the ordered action list
func (t *LocalTransaction) AddPostTransactionAction(action Action) {
	t.begin()
	t.actions = append(t.actions, action)
}

// detach hands the current unit of work to the caller and leaves the
// transaction idle
func (t *LocalTransaction) detach() (interfaces.StoreTransaction, []Action, int64) {
	txn, actions, size := t.txn, t.actions, t.uncommitted
	wasOpen := t.Open()
	t.txn = nil
	t.actions = nil
	t.pending = nil
	t.flowed = false
	t.uncommitted = 0
	t.openedAt = time.Time{}
	t.activityAt = time.Time{}
	if wasOpen {
		t.stats.closed()
	}
	return txn, actions, size
}

// Commit waits for the store, then runs immediate and every post-commit
// action in registration order. On a store failure the rollback actions
// run instead and a storage error is returned.
func (t *LocalTransaction) Commit(immediate func()) error {
	txn, actions, _ := t.detach()
	if txn != nil {
		if err := txn.Commit(); err != nil {
			runRollback(actions)
			t.stats.rolledBack()
			return amqperrors.NewStorageError(amqperrors.InternalError,
				fmt.Sprintf("transaction commit failed: %v", err), "tx.commit", "", err)
		}
	}
	if immediate != nil {
		immediate()
	}
	runPostCommit(actions)
	t.stats.committed()
	return nil
}

// CommitAsync starts the store commit and returns a PendingCommit that
// finishes the work once the store confirms. The transaction can take new
// work at once; its uncommitted size keeps counting the pending commit
// until Complete runs.
func (t *LocalTransaction) CommitAsync(immediate func()) *PendingCommit {
	txn, actions, size := t.detach()
	t.inflight += size
	pc := &PendingCommit{
		owner:     t,
		actions:   actions,
		immediate: immediate,
		size:      size,
	}
	if txn == nil {
		pc.future = storage.NewCompletedFuture(nil)
	} else {
		pc.future = txn.CommitAsync()
	}
	return pc
}

// Rollback discards pending effects and runs every rollback action in
// registration order
func (t *LocalTransaction) Rollback() {
	txn, actions, _ := t.detach()
	if txn != nil {
		txn.Abort()
	}
	runRollback(actions)
	t.stats.rolledBack()
}

// PendingCommit is a commit whose store work may still be running
type PendingCommit struct {
	owner     *LocalTransaction
	future    interfaces.Future
	actions   []Action
	immediate func()
	size      int64
	done      bool
}

// Future returns the store's completion handle
func (pc *PendingCommit) Future() interfaces.Future { return pc.future }

// Complete runs the follow-up work. It must be called on the owning
// channel's loop after the future is done; it blocks otherwise. A second
// call does nothing.
func (pc *PendingCommit) Complete() error {
	if pc.done {
		return nil
	}
	pc.done = true
	<-pc.future.Done()
	pc.owner.inflight -= pc.size

	if err := pc.future.Err(); err != nil {
		runRollback(pc.actions)
		pc.owner.stats.rolledBack()
		return amqperrors.NewStorageError(amqperrors.InternalError,
			fmt.Sprintf("transaction commit failed: %v", err), "tx.commit", "", err)
	}
	if pc.immediate != nil {
		pc.immediate()
	}
	runPostCommit(pc.actions)
	pc.owner.stats.committed()
	return nil
}

func runPostCommit(actions []Action) {
	for _, a := range actions {
		a.PostCommit()
	}
}

func runRollback(actions []Action) {
	for _, a := range actions {
		a.OnRollback()
	}
}
