// Package transaction implements the auto-commit and local transaction
// contexts a channel runs its enqueues and dequeues through.
package transaction

import (
	"github.com/maxpert/amqp-engine/interfaces"
)

// Action runs once when its transaction finishes: PostCommit on success,
// OnRollback otherwise.
type Action interface {
	PostCommit()
	OnRollback()
}

// ActionFuncs adapts a pair of closures to Action. Either may be nil.
type ActionFuncs struct {
	Commit   func()
	Rollback func()
}

func (a ActionFuncs) PostCommit() {
	if a.Commit != nil {
		a.Commit()
	}
}

func (a ActionFuncs) OnRollback() {
	if a.Rollback != nil {
		a.Rollback()
	}
}

// EnqueueAction is told the store records created for an enqueue once it
// commits. Records are in the order of the queues passed to Enqueue.
type EnqueueAction interface {
	PostCommit(records []interfaces.EnqueueRecord)
	OnRollback()
}

// EnqueueFuncs adapts closures to EnqueueAction
type EnqueueFuncs struct {
	Commit   func(records []interfaces.EnqueueRecord)
	Rollback func()
}

func (a EnqueueFuncs) PostCommit(records []interfaces.EnqueueRecord) {
	if a.Commit != nil {
		a.Commit(records)
	}
}

func (a EnqueueFuncs) OnRollback() {
	if a.Rollback != nil {
		a.Rollback()
	}
}

// enqueueBinding closes over the records of one enqueue so it can sit in
// an ordered Action list
type enqueueBinding struct {
	action  EnqueueAction
	records []interfaces.EnqueueRecord
}

func (b enqueueBinding) PostCommit() {
	if b.action != nil {
		b.action.PostCommit(b.records)
	}
}

func (b enqueueBinding) OnRollback() {
	if b.action != nil {
		b.action.OnRollback()
	}
}

// ServerTransaction is the unit of work a channel routes its effects
// through. Effects are invisible to consumers until their actions run.
type ServerTransaction interface {
	Enqueue(queues []interfaces.Resource, msg interfaces.StoredMessage, action EnqueueAction)
	Dequeue(records []interfaces.EnqueueRecord, action Action)
	AddPostTransactionAction(action Action)
	// Commit makes pending effects durable, then runs immediate followed by
	// every PostCommit in registration order
	Commit(immediate func()) error
	Rollback()
	IsTransactional() bool
}

// FutureRecorder receives store operations that may complete later,
// together with the action to run once they do. Channels implement it with
// an ordered completion queue drained on their own connection loop.
type FutureRecorder interface {
	RecordFuture(future interfaces.Future, action Action)
}
