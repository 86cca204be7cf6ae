package broker

import (
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MemoryState represents the memory pressure state of a virtual host
type MemoryState uint32

const (
	// StateNormal - message bodies stay in memory
	StateNormal MemoryState = iota
	// StatePaging - bodies are being flowed to disk
	StatePaging
)

func (s MemoryState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StatePaging:
		return "PAGING"
	default:
		return "UNKNOWN"
	}
}

// MemoryManager watches the bytes queued across a virtual host and asks
// the store to drop message bodies from memory when they pass a limit.
type MemoryManager struct {
	vhost           *VirtualHost
	maxMemory       int64
	pagingThreshold float64
	normalThreshold float64
	logger          *zap.Logger

	state            atomic.Uint32
	totalMemoryUsage atomic.Int64
	totalReleased    atomic.Int64
	totalPageEvents  atomic.Uint64
	lastCheck        atomic.Int64
}

// MemoryManagerConfig configures the memory manager
type MemoryManagerConfig struct {
	MaxMemory       int64   // Max queued bytes (0 = unlimited)
	PagingThreshold float64 // Start paging at this fraction (default: 0.90)
	NormalThreshold float64 // Stop paging below this fraction (default: 0.80)
}

// DefaultMemoryManagerConfig returns sensible defaults
func DefaultMemoryManagerConfig() MemoryManagerConfig {
	return MemoryManagerConfig{
		MaxMemory:       0,
		PagingThreshold: 0.90,
		NormalThreshold: 0.80,
	}
}

// NewMemoryManager creates a memory manager for vh
func NewMemoryManager(vh *VirtualHost, config MemoryManagerConfig, logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PagingThreshold <= 0 {
		config.PagingThreshold = 0.90
	}
	if config.NormalThreshold <= 0 || config.NormalThreshold > config.PagingThreshold {
		config.NormalThreshold = config.PagingThreshold
	}
	return &MemoryManager{
		vhost:           vh,
		maxMemory:       config.MaxMemory,
		pagingThreshold: config.PagingThreshold,
		normalThreshold: config.NormalThreshold,
		logger:          logger,
	}
}

// Check measures queued bytes and pages bodies out when over the limit.
// It is called from the housekeeping loop.
func (mm *MemoryManager) Check() {
	mm.lastCheck.Store(time.Now().Unix())

	queues := mm.vhost.Queues()
	total := int64(0)
	for _, q := range queues {
		total += q.Depth()
	}
	mm.totalMemoryUsage.Store(total)

	if mm.maxMemory == 0 {
		return
	}

	usage := float64(total) / float64(mm.maxMemory)
	switch {
	case usage > mm.pagingThreshold:
		if mm.state.Swap(uint32(StatePaging)) != uint32(StatePaging) {
			mm.logger.Warn("Queue memory over limit, paging message bodies to disk",
				zap.Int64("queued_bytes", total),
				zap.Int64("max_memory", mm.maxMemory))
		}
		mm.page(queues, total)
	case usage < mm.normalThreshold:
		if mm.state.Swap(uint32(StateNormal)) == uint32(StatePaging) {
			mm.logger.Info("Queue memory back under limit", zap.Int64("queued_bytes", total))
		}
	}
}

// page releases bodies from the largest queues first
func (mm *MemoryManager) page(queues []*Queue, currentUsage int64) {
	target := int64(float64(mm.maxMemory) * mm.normalThreshold)
	toFree := currentUsage - target
	if toFree <= 0 {
		return
	}

	type queueSize struct {
		queue *Queue
		size  int64
	}
	sizes := make([]queueSize, 0, len(queues))
	for _, q := range queues {
		if d := q.Depth(); d > 0 {
			sizes = append(sizes, queueSize{q, d})
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].size > sizes[j].size })

	freed := int64(0)
	for _, qs := range sizes {
		if freed >= toFree {
			break
		}
		freed += qs.queue.flowToDisk(toFree - freed)
	}

	mm.totalReleased.Add(freed)
	mm.totalPageEvents.Add(1)
}

// State returns the current pressure state
func (mm *MemoryManager) State() MemoryState {
	return MemoryState(mm.state.Load())
}

// MemoryStats is a snapshot of the manager's counters
type MemoryStats struct {
	TotalMemory     int64
	MaxMemory       int64
	UsagePercent    float64
	TotalReleased   int64
	TotalPageEvents uint64
	LastCheck       int64
	State           MemoryState
}

// GetStats returns memory manager statistics
func (mm *MemoryManager) GetStats() MemoryStats {
	total := mm.totalMemoryUsage.Load()
	usage := 0.0
	if mm.maxMemory > 0 {
		usage = float64(total) / float64(mm.maxMemory)
	}
	return MemoryStats{
		TotalMemory:     total,
		MaxMemory:       mm.maxMemory,
		UsagePercent:    usage,
		TotalReleased:   mm.totalReleased.Load(),
		TotalPageEvents: mm.totalPageEvents.Load(),
		LastCheck:       mm.lastCheck.Load(),
		State:           mm.State(),
	}
}
