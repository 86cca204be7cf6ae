package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Recover replays the durable messages of the store into the virtual host.
// It runs once, before any connection is accepted.
func (s *Server) Recover() (int, error) {
	startTime := time.Now()
	s.logger.Info("Starting message recovery",
		zap.String("virtual_host", s.vhost.Name()),
		zap.String("backend", s.config.Storage.Backend))

	recovered, err := s.vhost.Recover()
	if err != nil {
		s.logger.Error("Message recovery failed",
			zap.Int("recovered", recovered),
			zap.Error(err))
		return recovered, fmt.Errorf("recover virtual host %s: %w", s.vhost.Name(), err)
	}

	s.logger.Info("Message recovery completed",
		zap.Int("recovered", recovered),
		zap.Int("queues", len(s.vhost.Queues())),
		zap.Duration("duration", time.Since(startTime)))
	return recovered, nil
}
