package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")
	require.NotSame(t, a.Registry(), b.Registry())

	a.RecordMessagePublished(10)
	_, body := scrape(t, NewHandler(b.Registry(), nil), "/metrics")
	assert.NotContains(t, body, "test_messages_published_total 1")
}

func TestCollectorExposition(t *testing.T) {
	c := NewCollector("")

	c.RecordConnectionCreated()
	c.RecordConnectionCreated()
	c.RecordConnectionClosed()
	c.RecordConnectionError(320)
	c.RecordChannelCreated()
	c.RecordChannelError(404)
	c.SetFlowBlockedChannels(1)

	c.RecordMessagePublished(1024)
	c.RecordMessageRouted(3)
	c.RecordMessageUnroutable()
	c.RecordMessageReturned()
	c.RecordMessageDelivered(512)
	c.RecordMessageAcknowledged()
	c.RecordMessageRejected()
	c.RecordMessageRedelivered()
	c.RecordMessageDeadLettered()
	c.RecordMessageDropped("max-delivery")
	c.RecordTransactionCommitted()
	c.RecordTransactionRolledback()
	c.UpdateQueueMetrics("orders", "/", 10, 5, 2, 4096)
	c.UpdateMemoryMetrics(87.5, true)
	c.UpdateDiskMetrics(2048, 1024)

	_, body := scrape(t, NewHandler(c.Registry(), nil), "/metrics")
	for _, line := range []string{
		"amqp_connections_total 1",
		"amqp_connections_created_total 2",
		`amqp_connection_errors_total{code="320"} 1`,
		`amqp_channel_errors_total{code="404"} 1`,
		"amqp_channels_flow_blocked 1",
		"amqp_messages_published_bytes_total 1024",
		"amqp_messages_routed_total 3",
		"amqp_messages_returned_total 1",
		"amqp_messages_dead_lettered_total 1",
		`amqp_messages_dropped_total{reason="max-delivery"} 1`,
		`amqp_queue_messages_ready{queue="orders",vhost="/"} 10`,
		`amqp_queue_depth_bytes{queue="orders",vhost="/"} 4096`,
		"amqp_memory_paging 1",
		"amqp_disk_free_bytes 2048",
	} {
		assert.Contains(t, body, line)
	}

	c.DeleteQueueMetrics("orders", "/")
	_, body = scrape(t, NewHandler(c.Registry(), nil), "/metrics")
	assert.NotContains(t, body, `queue="orders"`)
}

func TestHealthEndpoint(t *testing.T) {
	c := NewCollector("health")

	code, body := scrape(t, NewHandler(c.Registry(), nil), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = scrape(t, NewHandler(c.Registry(), func() error { return assert.AnError }), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, assert.AnError.Error())
}

func TestServerPort(t *testing.T) {
	c := NewCollector("port")
	assert.Equal(t, 9419, NewServer(0, c.Registry(), nil).Port())
	assert.Equal(t, 9100, NewServer(9100, c.Registry(), nil).Port())
}
