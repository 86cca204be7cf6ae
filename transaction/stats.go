package transaction

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/amqp-engine/interfaces"
)

// Stats aggregates transaction activity across every channel of a server.
// A nil *Stats is valid and records nothing.
type Stats struct {
	active         atomic.Int64
	totalCommits   atomic.Int64
	totalRollbacks atomic.Int64
	lastCommit     atomic.Int64

	operationMutex  sync.RWMutex
	operationCounts map[interfaces.TransactionOperationType]int64
}

// NewStats creates an empty statistics block
func NewStats() *Stats {
	return &Stats{
		operationCounts: make(map[interfaces.TransactionOperationType]int64),
	}
}

func (s *Stats) opened() {
	if s != nil {
		s.active.Add(1)
	}
}

func (s *Stats) closed() {
	if s != nil {
		s.active.Add(-1)
	}
}

func (s *Stats) committed() {
	if s != nil {
		s.totalCommits.Add(1)
		s.lastCommit.Store(time.Now().UnixNano())
	}
}

func (s *Stats) rolledBack() {
	if s != nil {
		s.totalRollbacks.Add(1)
	}
}

func (s *Stats) operation(op interfaces.TransactionOperationType) {
	if s == nil {
		return
	}
	s.operationMutex.Lock()
	s.operationCounts[op]++
	s.operationMutex.Unlock()
}

// Snapshot returns current transaction statistics
func (s *Stats) Snapshot() *interfaces.TransactionStats {
	if s == nil {
		return &interfaces.TransactionStats{OperationCounts: map[interfaces.TransactionOperationType]int64{}}
	}

	s.operationMutex.RLock()
	opCounts := make(map[interfaces.TransactionOperationType]int64, len(s.operationCounts))
	for opType, count := range s.operationCounts {
		opCounts[opType] = count
	}
	s.operationMutex.RUnlock()

	var last time.Time
	if ns := s.lastCommit.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return &interfaces.TransactionStats{
		ActiveTransactions: int(s.active.Load()),
		TotalCommits:       s.totalCommits.Load(),
		TotalRollbacks:     s.totalRollbacks.Load(),
		OperationCounts:    opCounts,
		LastCommit:         last,
	}
}
