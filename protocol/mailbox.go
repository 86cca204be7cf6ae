package protocol

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// ErrMailboxClosed is returned when posting to a closed mailbox
var ErrMailboxClosed = errors.New("mailbox is closed")

// Mailbox is an unbounded event queue owned by one connection loop.
// Other goroutines (queue owners on other connections, store workers,
// housekeeping) post into it and never block; only the loop takes from it.
type Mailbox struct {
	queue  *queue.Queue
	closed atomic.Bool
	name   string
}

// NewMailbox creates a mailbox. initialCapacity is a sizing hint, not a limit.
func NewMailbox(name string, initialCapacity int) *Mailbox {
	return &Mailbox{
		queue: queue.New(int64(initialCapacity)),
		name:  name,
	}
}

// Post adds an event. It never blocks.
func (m *Mailbox) Post(event interface{}) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}
	if err := m.queue.Put(event); err != nil {
		return ErrMailboxClosed
	}
	return nil
}

// TryTake removes the next event without waiting.
func (m *Mailbox) TryTake() (interface{}, bool) {
	if m.closed.Load() || m.queue.Empty() {
		return nil, false
	}
	items, err := m.queue.Get(1)
	if err != nil || len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

// Take waits up to timeout for the next event. It returns ErrMailboxClosed
// once the mailbox has been closed.
func (m *Mailbox) Take(timeout time.Duration) (interface{}, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrMailboxClosed
	}
	items, err := m.queue.Poll(1, timeout)
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return nil, false, nil
	case err != nil:
		return nil, false, ErrMailboxClosed
	case len(items) == 0:
		return nil, false, nil
	}
	return items[0], true, nil
}

// Len returns the number of queued events
func (m *Mailbox) Len() int {
	return int(m.queue.Len())
}

// Name returns the mailbox name used in logs
func (m *Mailbox) Name() string {
	return m.name
}

// Close disposes the mailbox. Safe to call more than once.
func (m *Mailbox) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.queue.Dispose()
}
