package server

import (
	"os"
	"path/filepath"
	"time"

	"github.com/maxpert/amqp-engine/broker"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// sweepConnections hands every connection a housekeeping tick. Each loop
// checks its own channels for flow and transaction time limits.
func (s *Server) sweepConnections() {
	now := time.Now()
	for _, c := range s.Connections() {
		c.post(housekeepingEvent{now: now})
	}
}

// collectMetrics runs the memory manager and publishes gauges for queues,
// memory, consumers, flow and disk
func (s *Server) collectMetrics() {
	vhost := s.vhost.Name()
	consumers := 0
	for _, q := range s.vhost.Queues() {
		ready := q.MessageCount()
		unacked := q.EntryCount() - ready
		if unacked < 0 {
			unacked = 0
		}
		consumers += q.ConsumerCount()
		s.metrics.UpdateQueueMetrics(q.Name(), vhost, ready, unacked, q.ConsumerCount(), q.Depth())
	}
	s.metrics.SetConsumersTotal(consumers)

	if s.memory != nil {
		s.memory.Check()
		stats := s.memory.GetStats()
		s.metrics.UpdateMemoryMetrics(stats.UsagePercent*100, stats.State == broker.StatePaging)
	}
	if s.selectors != nil {
		s.selectors.Sweep()
	}

	blocked := 0
	for _, c := range s.Connections() {
		blocked += int(c.flowBlocked.Load())
	}
	s.metrics.SetFlowBlockedChannels(blocked)
	s.metrics.UpdateServerUptime(time.Since(s.startTime).Seconds())
	s.updateDiskMetrics()
}

// updateDiskMetrics reports free space on the badger volume and the size
// of the data directory
func (s *Server) updateDiskMetrics() {
	if s.config.Storage.Backend != "badger" || s.config.Storage.Path == "" {
		return
	}
	dataDir := s.config.Storage.Path

	var stat unix.Statfs_t
	if err := unix.Statfs(dataDir, &stat); err != nil {
		s.logger.Debug("Disk stats unavailable", zap.String("path", dataDir), zap.Error(err))
		return
	}
	freeBytes := float64(stat.Bavail) * float64(stat.Bsize)
	s.metrics.UpdateDiskMetrics(freeBytes, float64(dataDirSize(dataDir)))
}

func dataDirSize(dataDir string) int64 {
	var total int64
	filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
