package server

// MetricsCollector defines the interface for metrics collection.
// *metrics.Collector implements it.
type MetricsCollector interface {
	// Connection metrics
	RecordConnectionCreated()
	RecordConnectionClosed()
	RecordConnectionError(code int)

	// Channel metrics
	RecordChannelCreated()
	RecordChannelClosed()
	RecordChannelError(code int)
	SetFlowBlockedChannels(count int)

	// Queue metrics
	RecordQueueDeclared()
	RecordQueueDeleted()
	UpdateQueueMetrics(queueName, vhost string, ready, unacked, consumers int, depthBytes int64)
	DeleteQueueMetrics(queueName, vhost string)

	// Exchange metrics
	RecordExchangeDeclared()
	RecordExchangeDeleted()

	// Message metrics
	RecordMessagePublished(size int)
	RecordMessageRouted(queues int)
	RecordMessageUnroutable()
	RecordMessageReturned()
	RecordMessageDelivered(size int)
	RecordMessageAcknowledged()
	RecordMessageRedelivered()
	RecordMessageRejected()
	RecordMessageDeadLettered()
	RecordMessageDropped(reason string)

	// Consumer metrics
	SetConsumersTotal(count int)

	// Transaction metrics
	RecordTransactionCommitted()
	RecordTransactionRolledback()

	// Resource metrics
	UpdateMemoryMetrics(usagePercent float64, paging bool)
	UpdateDiskMetrics(freeBytes, usedBytes float64)
	UpdateServerUptime(seconds float64)
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordConnectionCreated()       {}
func (n *NoOpMetricsCollector) RecordConnectionClosed()        {}
func (n *NoOpMetricsCollector) RecordConnectionError(int)      {}
func (n *NoOpMetricsCollector) RecordChannelCreated()          {}
func (n *NoOpMetricsCollector) RecordChannelClosed()           {}
func (n *NoOpMetricsCollector) RecordChannelError(int)         {}
func (n *NoOpMetricsCollector) SetFlowBlockedChannels(int)     {}
func (n *NoOpMetricsCollector) RecordQueueDeclared()           {}
func (n *NoOpMetricsCollector) RecordQueueDeleted()            {}
func (n *NoOpMetricsCollector) DeleteQueueMetrics(_, _ string) {}
func (n *NoOpMetricsCollector) UpdateQueueMetrics(string, string, int, int, int, int64) {
}
func (n *NoOpMetricsCollector) RecordExchangeDeclared()            {}
func (n *NoOpMetricsCollector) RecordExchangeDeleted()             {}
func (n *NoOpMetricsCollector) RecordMessagePublished(int)         {}
func (n *NoOpMetricsCollector) RecordMessageRouted(int)            {}
func (n *NoOpMetricsCollector) RecordMessageUnroutable()           {}
func (n *NoOpMetricsCollector) RecordMessageReturned()             {}
func (n *NoOpMetricsCollector) RecordMessageDelivered(int)         {}
func (n *NoOpMetricsCollector) RecordMessageAcknowledged()         {}
func (n *NoOpMetricsCollector) RecordMessageRedelivered()          {}
func (n *NoOpMetricsCollector) RecordMessageRejected()             {}
func (n *NoOpMetricsCollector) RecordMessageDeadLettered()         {}
func (n *NoOpMetricsCollector) RecordMessageDropped(string)        {}
func (n *NoOpMetricsCollector) SetConsumersTotal(int)              {}
func (n *NoOpMetricsCollector) RecordTransactionCommitted()        {}
func (n *NoOpMetricsCollector) RecordTransactionRolledback()       {}
func (n *NoOpMetricsCollector) UpdateMemoryMetrics(float64, bool)  {}
func (n *NoOpMetricsCollector) UpdateDiskMetrics(float64, float64) {}
func (n *NoOpMetricsCollector) UpdateServerUptime(float64)         {}
