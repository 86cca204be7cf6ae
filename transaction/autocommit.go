package transaction

import (
	"github.com/maxpert/amqp-engine/interfaces"
)

// AutoCommitTransaction commits every effect as soon as it is registered.
// Store commits may finish later; their futures go to the recorder so the
// channel can run the follow-up actions in order on its own loop.
type AutoCommitTransaction struct {
	store    interfaces.Store
	recorder FutureRecorder
	stats    *Stats
}

// NewAutoCommitTransaction creates an auto-commit context. A nil recorder
// makes every operation wait for its store commit.
func NewAutoCommitTransaction(store interfaces.Store, recorder FutureRecorder, stats *Stats) *AutoCommitTransaction {
	return &AutoCommitTransaction{store: store, recorder: recorder, stats: stats}
}

// Enqueue stores msg on every queue and hands the records to action once
// the store has committed
func (t *AutoCommitTransaction) Enqueue(queues []interfaces.Resource, msg interfaces.StoredMessage, action EnqueueAction) {
	txn := t.store.NewTransaction()
	records := make([]interfaces.EnqueueRecord, len(queues))
	for i, q := range queues {
		records[i] = txn.Enqueue(q, msg)
	}
	t.stats.operation(interfaces.OpEnqueue)
	t.complete(txn.CommitAsync(), enqueueBinding{action: action, records: records})
}

// Dequeue retires records and runs action once the store has committed
func (t *AutoCommitTransaction) Dequeue(records []interfaces.EnqueueRecord, action Action) {
	txn := t.store.NewTransaction()
	for _, r := range records {
		if r != nil {
			txn.Dequeue(r)
		}
	}
	t.stats.operation(interfaces.OpDequeue)
	if action == nil {
		action = ActionFuncs{}
	}
	t.complete(txn.CommitAsync(), action)
}

// AddPostTransactionAction runs action straight away, there being nothing
// to wait for
func (t *AutoCommitTransaction) AddPostTransactionAction(action Action) {
	action.PostCommit()
}

// Commit runs immediate. Each effect has already been committed.
func (t *AutoCommitTransaction) Commit(immediate func()) error {
	if immediate != nil {
		immediate()
	}
	return nil
}

// Rollback is a no-op
func (t *AutoCommitTransaction) Rollback() {}

func (t *AutoCommitTransaction) IsTransactional() bool { return false }

func (t *AutoCommitTransaction) complete(future interfaces.Future, action Action) {
	if t.recorder != nil {
		t.recorder.RecordFuture(future, action)
		return
	}
	<-future.Done()
	if future.Err() != nil {
		action.OnRollback()
		return
	}
	action.PostCommit()
}
