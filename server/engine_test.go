package server

import (
	"testing"
	"time"

	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/config"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testEngine drives one connection of a server backed by the memory store
type testEngine struct {
	t    *testing.T
	srv  *Server
	out  *RecordingOutput
	conn *Connection
}

func newTestEngine(t *testing.T, configure ...func(*config.AMQPConfig)) *testEngine {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, fn := range configure {
		fn(cfg)
	}
	srv, err := NewServerBuilderWithConfig(cfg).
		WithLogger(zap.NewNop()).
		WithStore(storage.NewMemoryStore()).
		Build()
	require.NoError(t, err)
	// tests drive connections by hand, so Stop would otherwise wait out
	// the full default for a shutdown event nobody consumes
	srv.Lifecycle().SetShutdownTimeout(200 * time.Millisecond)

	out := NewRecordingOutput()
	conn, err := srv.NewConnection(out, nil)
	require.NoError(t, err)
	return &testEngine{t: t, srv: srv, out: out, conn: conn}
}

// call runs a method and every event it triggers
func (e *testEngine) call(channelID uint16, method protocol.Method) {
	e.t.Helper()
	require.NoError(e.t, e.conn.Handle(channelID, method))
	require.NoError(e.t, e.conn.ProcessEvents())
}

func (e *testEngine) openChannel(id uint16) *Channel {
	e.t.Helper()
	e.call(id, &protocol.ChannelOpenMethod{})
	ch, ok := e.conn.Channel(id)
	require.True(e.t, ok)
	return ch
}

func (e *testEngine) declareQueue(channelID uint16, name string, args protocol.Table) *broker.Queue {
	e.t.Helper()
	e.call(channelID, &protocol.QueueDeclareMethod{Queue: name, Arguments: args})
	q, ok := e.srv.VirtualHost().GetQueue(name)
	require.True(e.t, ok)
	return q
}

func (e *testEngine) consume(channelID uint16, queue, tag string, noAck bool) {
	e.t.Helper()
	e.call(channelID, &protocol.BasicConsumeMethod{Queue: queue, ConsumerTag: tag, NoAck: noAck})
}

// publishWith sends a publish with its content and returns the error the
// connection reported for the last frame
func (e *testEngine) publishWith(channelID uint16, m *protocol.BasicPublishMethod, props protocol.Properties, body []byte) error {
	e.t.Helper()
	if err := e.conn.Handle(channelID, m); err != nil {
		return err
	}
	header := &protocol.ContentHeader{
		ClassID:    protocol.ClassBasic,
		BodySize:   uint64(len(body)),
		Properties: props,
	}
	if err := e.conn.HandleContentHeader(channelID, header); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := e.conn.HandleContentBody(channelID, body); err != nil {
			return err
		}
	}
	return e.conn.ProcessEvents()
}

func (e *testEngine) publish(channelID uint16, exchange, key, body string) {
	e.t.Helper()
	require.NoError(e.t, e.publishWith(channelID,
		&protocol.BasicPublishMethod{Exchange: exchange, RoutingKey: key},
		protocol.Properties{}, []byte(body)))
}

func (e *testEngine) drain() []SentFrame {
	return e.out.Drain()
}

// deliveries returns the basic.deliver frames among frames
func deliveries(frames []SentFrame) []SentFrame {
	var out []SentFrame
	for _, f := range frames {
		if _, ok := f.Method.(*protocol.BasicDeliverMethod); ok {
			out = append(out, f)
		}
	}
	return out
}

func deliverOf(t *testing.T, f SentFrame) *protocol.BasicDeliverMethod {
	t.Helper()
	m, ok := f.Method.(*protocol.BasicDeliverMethod)
	require.True(t, ok, "expected basic.deliver, got %s", f.Method.MethodName())
	return m
}

// findMethod returns the first frame whose method has type T
func findMethod[T protocol.Method](frames []SentFrame) (T, bool) {
	for _, f := range frames {
		if m, ok := f.Method.(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}
