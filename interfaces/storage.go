package interfaces

import (
	"errors"

	"github.com/maxpert/amqp-engine/protocol"
)

// Common storage errors
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrStoreClosed     = errors.New("store is closed")
)

// Resource is a queue as the store sees it: a name and whether it survives
// restarts.
type Resource interface {
	Name() string
	IsDurable() bool
}

// MessageHandle collects the content of a message while its body frames
// arrive. Content added before AllContentAdded is visible to any later
// enqueue of the resulting StoredMessage.
type MessageHandle interface {
	AddContent(chunk []byte)
	AllContentAdded() StoredMessage
}

// StoredMessage is a message known to the store
type StoredMessage interface {
	MessageNumber() uint64
	// Message returns the full message, reloading spilled content if needed
	Message() *protocol.Message
	ContentSize() int64
	// FlowToDisk drops the in-memory body when the store can reload it later.
	// It reports whether memory was released.
	FlowToDisk() bool
}

// EnqueueRecord is the store's receipt for one message placed on one queue
type EnqueueRecord interface {
	QueueName() string
	MessageNumber() uint64
}

// Future is the outcome of an asynchronous store operation
type Future interface {
	Done() <-chan struct{}
	// Err is valid once Done is closed
	Err() error
}

// StoreTransaction batches enqueues and dequeues into one atomic unit
type StoreTransaction interface {
	Enqueue(queue Resource, msg StoredMessage) EnqueueRecord
	Dequeue(record EnqueueRecord)
	Commit() error
	CommitAsync() Future
	Abort()
}

// RecoveryVisitor receives each durable enqueue found during recovery
type RecoveryVisitor func(queueName string, record EnqueueRecord, msg StoredMessage) error

// Store is the message store collaborator
type Store interface {
	AddMessage(msg *protocol.Message) MessageHandle
	NewTransaction() StoreTransaction
	Recover(visitor RecoveryVisitor) error
	Close() error
}
