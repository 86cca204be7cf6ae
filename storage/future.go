package storage

import (
	"sync"

	"github.com/maxpert/amqp-engine/interfaces"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// completedFuture is a Future that finished before it was returned
type completedFuture struct {
	err error
}

// NewCompletedFuture returns a Future that is already done with err
func NewCompletedFuture(err error) interfaces.Future {
	return completedFuture{err: err}
}

func (f completedFuture) Done() <-chan struct{} { return closedChan }
func (f completedFuture) Err() error            { return f.err }

// asyncFuture is completed exactly once by the goroutine doing the work
type asyncFuture struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAsyncFuture() *asyncFuture {
	return &asyncFuture{done: make(chan struct{})}
}

func (f *asyncFuture) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *asyncFuture) Done() <-chan struct{} { return f.done }

func (f *asyncFuture) Err() error {
	<-f.done
	return f.err
}

// IsDone reports whether f has completed without blocking
func IsDone(f interfaces.Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}
