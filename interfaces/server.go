package interfaces

import (
	"time"
)

// HealthStatus represents server health information
type HealthStatus struct {
	Status    string
	Uptime    time.Duration
	Errors    []string
	Warnings  []string
	Timestamp time.Time
}

// Healthy reports whether no errors were found
func (h HealthStatus) Healthy() bool {
	return len(h.Errors) == 0
}

// ServerStats provides server statistics
type ServerStats struct {
	Uptime              time.Duration
	Connections         int
	Channels            int
	FlowBlockedChannels int
	Exchanges           int
	Queues              int
	Consumers           int
	MessagesReady       int
	Transactions        *TransactionStats
}

// ConnectionInfo provides information about a connection
type ConnectionInfo struct {
	ID          string
	Username    string
	VirtualHost string
	Channels    int
	ConnectedAt time.Time
}
