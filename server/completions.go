package server

import (
	"fmt"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/interfaces"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/maxpert/amqp-engine/transaction"
)

// completion is a store commit the channel is waiting on, with the work to
// run once it finishes
type completion struct {
	future interfaces.Future
	run    func(err error) error
}

// RecordFuture queues the follow-up of an auto-commit store operation
func (ch *Channel) RecordFuture(future interfaces.Future, action transaction.Action) {
	ch.addCompletion(future, func(err error) error {
		if err != nil {
			action.OnRollback()
			return amqperrors.NewStorageError(amqperrors.InternalError,
				fmt.Sprintf("store commit failed: %v", err), "commit", "", err)
		}
		action.PostCommit()
		return nil
	})
}

// addCompletion appends to the completion queue. Completions run in
// registration order on the connection loop, so a commit still in flight
// holds back every one behind it.
func (ch *Channel) addCompletion(future interfaces.Future, run func(err error) error) {
	ch.completions = append(ch.completions, completion{future: future, run: run})
	if storage.IsDone(future) {
		return
	}
	conn := ch.conn
	go func() {
		<-future.Done()
		conn.post(completionEvent{ch: ch})
	}()
}

// processCompletions runs finished completions from the head of the queue.
// With wait it blocks until the queue is empty. The first error is
// returned after every runnable completion has run.
func (ch *Channel) processCompletions(wait bool) error {
	var firstErr error
	for len(ch.completions) > 0 {
		head := ch.completions[0]
		if !wait && !storage.IsDone(head.future) {
			break
		}
		<-head.future.Done()
		ch.completions[0] = completion{}
		ch.completions = ch.completions[1:]
		if err := head.run(head.future.Err()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(ch.rolledBack) > 0 {
		ch.releaseRolledBack()
	}
	return firstErr
}
