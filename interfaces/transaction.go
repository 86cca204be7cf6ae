package interfaces

import "time"

// TransactionState describes a channel's transactional mode
type TransactionState int

const (
	// TransactionStateNone indicates an auto-commit channel
	TransactionStateNone TransactionState = iota
	// TransactionStateIdle indicates a transactional channel with no pending work
	TransactionStateIdle
	// TransactionStateOpen indicates pending work awaiting commit or rollback
	TransactionStateOpen
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStateNone:
		return "none"
	case TransactionStateIdle:
		return "idle"
	case TransactionStateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TransactionOperationType names the effects a transaction can carry
type TransactionOperationType int

const (
	// OpEnqueue places a message on one or more queues
	OpEnqueue TransactionOperationType = iota
	// OpDequeue retires enqueue records
	OpDequeue
)

// TransactionStats provides statistics about transaction usage
type TransactionStats struct {
	ActiveTransactions int                                `json:"active_transactions"`
	TotalCommits       int64                              `json:"total_commits"`
	TotalRollbacks     int64                              `json:"total_rollbacks"`
	OperationCounts    map[TransactionOperationType]int64 `json:"operation_counts"`
	LastCommit         time.Time                          `json:"last_commit"`
}
