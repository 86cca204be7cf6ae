package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the engine. Each collector
// owns its registry, so several engines (or tests) can live in one process.
type Collector struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsTotal   prometheus.Gauge
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionErrors   *prometheus.CounterVec

	// Channel metrics
	ChannelsTotal       prometheus.Gauge
	ChannelsCreated     prometheus.Counter
	ChannelsClosed      prometheus.Counter
	ChannelErrors       *prometheus.CounterVec
	ChannelsFlowBlocked prometheus.Gauge

	// Queue metrics
	QueuesTotal          prometheus.Gauge
	QueuesDeclared       prometheus.Counter
	QueuesDeleted        prometheus.Counter
	QueueMessagesReady   *prometheus.GaugeVec
	QueueMessagesUnacked *prometheus.GaugeVec
	QueueDepthBytes      *prometheus.GaugeVec
	QueueConsumers       *prometheus.GaugeVec

	// Exchange metrics
	ExchangesTotal    prometheus.Gauge
	ExchangesDeclared prometheus.Counter
	ExchangesDeleted  prometheus.Counter

	// Message metrics
	MessagesPublished      prometheus.Counter
	MessagesPublishedBytes prometheus.Counter
	MessagesRouted         prometheus.Counter
	MessagesUnroutable     prometheus.Counter
	MessagesReturned       prometheus.Counter
	MessagesDelivered      prometheus.Counter
	MessagesDeliveredBytes prometheus.Counter
	MessagesAcknowledged   prometheus.Counter
	MessagesRedelivered    prometheus.Counter
	MessagesRejected       prometheus.Counter
	MessagesDeadLettered   prometheus.Counter
	MessagesDropped        *prometheus.CounterVec

	// Consumer metrics
	ConsumersTotal prometheus.Gauge

	// Transaction metrics
	TransactionsCommitted  prometheus.Counter
	TransactionsRolledback prometheus.Counter

	// Memory metrics
	MemoryUsagePercent prometheus.Gauge
	MemoryPaging       prometheus.Gauge

	// Disk metrics for the store directory
	DiskFreeBytes prometheus.Gauge
	DiskUsedBytes prometheus.Gauge

	// Server metrics
	ServerUptime prometheus.Gauge
}

// NewCollector creates a collector with all metrics registered on a fresh
// registry
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "amqp"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	return &Collector{
		registry: reg,

		// Connection metrics
		ConnectionsTotal:   gauge("connections_total", "Current number of active connections"),
		ConnectionsCreated: counter("connections_created_total", "Total number of connections created since server start"),
		ConnectionsClosed:  counter("connections_closed_total", "Total number of connections closed since server start"),
		ConnectionErrors:   counterVec("connection_errors_total", "Connections closed by the server, by reply code", "code"),

		// Channel metrics
		ChannelsTotal:       gauge("channels_total", "Current number of active channels"),
		ChannelsCreated:     counter("channels_created_total", "Total number of channels created since server start"),
		ChannelsClosed:      counter("channels_closed_total", "Total number of channels closed since server start"),
		ChannelErrors:       counterVec("channel_errors_total", "Channels closed by the server, by reply code", "code"),
		ChannelsFlowBlocked: gauge("channels_flow_blocked", "Channels currently told to stop publishing"),

		// Queue metrics
		QueuesTotal:          gauge("queues_total", "Current number of queues"),
		QueuesDeclared:       counter("queues_declared_total", "Total number of queues declared since server start"),
		QueuesDeleted:        counter("queues_deleted_total", "Total number of queues deleted since server start"),
		QueueMessagesReady:   gaugeVec("queue_messages_ready", "Number of messages ready to be delivered in queue", "queue", "vhost"),
		QueueMessagesUnacked: gaugeVec("queue_messages_unacknowledged", "Number of messages delivered but not yet acknowledged in queue", "queue", "vhost"),
		QueueDepthBytes:      gaugeVec("queue_depth_bytes", "Body bytes held by queue", "queue", "vhost"),
		QueueConsumers:       gaugeVec("queue_consumers", "Number of consumers on queue", "queue", "vhost"),

		// Exchange metrics
		ExchangesTotal:    gauge("exchanges_total", "Current number of exchanges"),
		ExchangesDeclared: counter("exchanges_declared_total", "Total number of exchanges declared since server start"),
		ExchangesDeleted:  counter("exchanges_deleted_total", "Total number of exchanges deleted since server start"),

		// Message metrics
		MessagesPublished:      counter("messages_published_total", "Total number of messages published since server start"),
		MessagesPublishedBytes: counter("messages_published_bytes_total", "Total bytes of messages published since server start"),
		MessagesRouted:         counter("messages_routed_total", "Total number of queue placements made by routing"),
		MessagesUnroutable:     counter("messages_unroutable_total", "Total number of unroutable messages since server start"),
		MessagesReturned:       counter("messages_returned_total", "Total number of messages returned to publishers"),
		MessagesDelivered:      counter("messages_delivered_total", "Total number of messages delivered to consumers since server start"),
		MessagesDeliveredBytes: counter("messages_delivered_bytes_total", "Total bytes of messages delivered to consumers since server start"),
		MessagesAcknowledged:   counter("messages_acknowledged_total", "Total number of messages acknowledged since server start"),
		MessagesRedelivered:    counter("messages_redelivered_total", "Total number of messages redelivered since server start"),
		MessagesRejected:       counter("messages_rejected_total", "Total number of messages rejected since server start"),
		MessagesDeadLettered:   counter("messages_dead_lettered_total", "Total number of messages routed to an alternate exchange after too many deliveries"),
		MessagesDropped:        counterVec("messages_dropped_total", "Messages discarded by the server, by reason", "reason"),

		// Consumer metrics
		ConsumersTotal: gauge("consumers_total", "Current number of active consumers"),

		// Transaction metrics
		TransactionsCommitted:  counter("transactions_committed_total", "Total number of transactions committed since server start"),
		TransactionsRolledback: counter("transactions_rolledback_total", "Total number of transactions rolled back since server start"),

		// Memory metrics
		MemoryUsagePercent: gauge("memory_queued_usage_percent", "Queued body bytes as a percentage of the configured limit"),
		MemoryPaging:       gauge("memory_paging", "1 while queued bodies are being flowed to disk"),

		// Disk metrics
		DiskFreeBytes: gauge("disk_free_bytes", "Free bytes on the filesystem holding the message store"),
		DiskUsedBytes: gauge("disk_used_bytes", "Used bytes on the filesystem holding the message store"),

		// Server metrics
		ServerUptime: gauge("server_uptime_seconds", "Server uptime in seconds"),
	}
}

// Registry returns the registry the metrics are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordConnectionCreated increments connection creation counter and total
func (c *Collector) RecordConnectionCreated() {
	c.ConnectionsCreated.Inc()
	c.ConnectionsTotal.Inc()
}

// RecordConnectionClosed increments connection close counter and decrements total
func (c *Collector) RecordConnectionClosed() {
	c.ConnectionsClosed.Inc()
	c.ConnectionsTotal.Dec()
}

// RecordConnectionError counts a server-initiated connection close
func (c *Collector) RecordConnectionError(code int) {
	c.ConnectionErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordChannelCreated increments channel creation counter and total
func (c *Collector) RecordChannelCreated() {
	c.ChannelsCreated.Inc()
	c.ChannelsTotal.Inc()
}

// RecordChannelClosed increments channel close counter and decrements total
func (c *Collector) RecordChannelClosed() {
	c.ChannelsClosed.Inc()
	c.ChannelsTotal.Dec()
}

// RecordChannelError counts a server-initiated channel close
func (c *Collector) RecordChannelError(code int) {
	c.ChannelErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SetFlowBlockedChannels sets the number of channels under server flow control
func (c *Collector) SetFlowBlockedChannels(count int) {
	c.ChannelsFlowBlocked.Set(float64(count))
}

// RecordQueueDeclared increments queue declaration counter and total
func (c *Collector) RecordQueueDeclared() {
	c.QueuesDeclared.Inc()
	c.QueuesTotal.Inc()
}

// RecordQueueDeleted increments queue deletion counter and decrements total
func (c *Collector) RecordQueueDeleted() {
	c.QueuesDeleted.Inc()
	c.QueuesTotal.Dec()
}

// RecordExchangeDeclared increments exchange declaration counter and total
func (c *Collector) RecordExchangeDeclared() {
	c.ExchangesDeclared.Inc()
	c.ExchangesTotal.Inc()
}

// RecordExchangeDeleted increments exchange deletion counter and decrements total
func (c *Collector) RecordExchangeDeleted() {
	c.ExchangesDeleted.Inc()
	c.ExchangesTotal.Dec()
}

// RecordMessagePublished records a published message
func (c *Collector) RecordMessagePublished(size int) {
	c.MessagesPublished.Inc()
	c.MessagesPublishedBytes.Add(float64(size))
}

// RecordMessageRouted records the number of queues a message was placed on
func (c *Collector) RecordMessageRouted(queues int) {
	c.MessagesRouted.Add(float64(queues))
}

// RecordMessageUnroutable records an unroutable message
func (c *Collector) RecordMessageUnroutable() {
	c.MessagesUnroutable.Inc()
}

// RecordMessageReturned records a basic.return
func (c *Collector) RecordMessageReturned() {
	c.MessagesReturned.Inc()
}

// RecordMessageDelivered records a delivered message
func (c *Collector) RecordMessageDelivered(size int) {
	c.MessagesDelivered.Inc()
	c.MessagesDeliveredBytes.Add(float64(size))
}

// RecordMessageAcknowledged records an acknowledged message
func (c *Collector) RecordMessageAcknowledged() {
	c.MessagesAcknowledged.Inc()
}

// RecordMessageRedelivered records a redelivered message
func (c *Collector) RecordMessageRedelivered() {
	c.MessagesRedelivered.Inc()
}

// RecordMessageRejected records a rejected message
func (c *Collector) RecordMessageRejected() {
	c.MessagesRejected.Inc()
}

// RecordMessageDeadLettered records a message sent to an alternate exchange
func (c *Collector) RecordMessageDeadLettered() {
	c.MessagesDeadLettered.Inc()
}

// RecordMessageDropped records a discarded message
func (c *Collector) RecordMessageDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// UpdateQueueMetrics updates all metrics for a specific queue
func (c *Collector) UpdateQueueMetrics(queueName, vhost string, ready, unacked, consumers int, depthBytes int64) {
	labels := prometheus.Labels{"queue": queueName, "vhost": vhost}
	c.QueueMessagesReady.With(labels).Set(float64(ready))
	c.QueueMessagesUnacked.With(labels).Set(float64(unacked))
	c.QueueDepthBytes.With(labels).Set(float64(depthBytes))
	c.QueueConsumers.With(labels).Set(float64(consumers))
}

// DeleteQueueMetrics removes metrics for a deleted queue
func (c *Collector) DeleteQueueMetrics(queueName, vhost string) {
	labels := prometheus.Labels{"queue": queueName, "vhost": vhost}
	c.QueueMessagesReady.Delete(labels)
	c.QueueMessagesUnacked.Delete(labels)
	c.QueueDepthBytes.Delete(labels)
	c.QueueConsumers.Delete(labels)
}

// SetConsumersTotal sets the total number of consumers
func (c *Collector) SetConsumersTotal(count int) {
	c.ConsumersTotal.Set(float64(count))
}

// RecordTransactionCommitted increments transaction committed counter
func (c *Collector) RecordTransactionCommitted() {
	c.TransactionsCommitted.Inc()
}

// RecordTransactionRolledback increments transaction rolled back counter
func (c *Collector) RecordTransactionRolledback() {
	c.TransactionsRolledback.Inc()
}

// UpdateMemoryMetrics publishes the memory manager's view
func (c *Collector) UpdateMemoryMetrics(usagePercent float64, paging bool) {
	c.MemoryUsagePercent.Set(usagePercent)
	if paging {
		c.MemoryPaging.Set(1)
	} else {
		c.MemoryPaging.Set(0)
	}
}

// UpdateDiskMetrics updates the store filesystem gauges
func (c *Collector) UpdateDiskMetrics(freeBytes, usedBytes float64) {
	c.DiskFreeBytes.Set(freeBytes)
	c.DiskUsedBytes.Set(usedBytes)
}

// UpdateServerUptime updates the server uptime metric
func (c *Collector) UpdateServerUptime(seconds float64) {
	c.ServerUptime.Set(seconds)
}
