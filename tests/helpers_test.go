package tests

import (
	"testing"

	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// engine is one server on a badger directory with a single client connection
type engine struct {
	t         *testing.T
	srv       *server.Server
	out       *server.RecordingOutput
	conn      *server.Connection
	recovered int
}

// startEngine opens dir, recovers it and opens channel 1
func startEngine(t *testing.T, dir string) *engine {
	t.Helper()
	srv, err := server.NewServerBuilder().
		WithLogger(zap.NewNop()).
		WithBadgerStorage(dir).
		Build()
	require.NoError(t, err)

	recovered, err := srv.Recover()
	require.NoError(t, err)

	out := server.NewRecordingOutput()
	conn, err := srv.NewConnection(out, nil)
	require.NoError(t, err)

	e := &engine{t: t, srv: srv, out: out, conn: conn, recovered: recovered}
	e.call(&protocol.ChannelOpenMethod{})
	return e
}

// stop drops the connection, waits for pending commits and closes the store
func (e *engine) stop() {
	e.t.Helper()
	e.sync()
	e.conn.Close()
	require.NoError(e.t, e.srv.Store().Close())
}

func (e *engine) call(method protocol.Method) {
	e.t.Helper()
	require.NoError(e.t, e.conn.Handle(1, method))
	require.NoError(e.t, e.conn.ProcessEvents())
	e.requireOpen()
}

func (e *engine) requireOpen() {
	e.t.Helper()
	for _, f := range e.out.Frames() {
		switch m := f.Method.(type) {
		case *protocol.ChannelCloseMethod:
			e.t.Fatalf("channel closed: %d %s", m.ReplyCode, m.ReplyText)
		case *protocol.ConnectionCloseMethod:
			e.t.Fatalf("connection closed: %d %s", m.ReplyCode, m.ReplyText)
		}
	}
}

func (e *engine) sync() {
	e.t.Helper()
	ch, ok := e.conn.Channel(1)
	require.True(e.t, ok)
	require.NoError(e.t, ch.Sync())
}

func (e *engine) declareDurable(name string) {
	e.call(&protocol.QueueDeclareMethod{Queue: name, Durable: true})
}

func (e *engine) publish(queue, body string, persistent bool) {
	e.t.Helper()
	mode := protocol.DeliveryModeTransient
	if persistent {
		mode = protocol.DeliveryModePersistent
	}
	require.NoError(e.t, e.conn.Handle(1, &protocol.BasicPublishMethod{RoutingKey: queue}))
	require.NoError(e.t, e.conn.HandleContentHeader(1, &protocol.ContentHeader{
		ClassID:    protocol.ClassBasic,
		BodySize:   uint64(len(body)),
		Properties: protocol.Properties{DeliveryMode: mode},
	}))
	require.NoError(e.t, e.conn.HandleContentBody(1, []byte(body)))
	require.NoError(e.t, e.conn.ProcessEvents())
	e.requireOpen()
}

// get fetches one message and returns its delivery tag and body
func (e *engine) get(queue string, noAck bool) (uint64, string, bool) {
	e.t.Helper()
	e.call(&protocol.BasicGetMethod{Queue: queue, NoAck: noAck})
	for _, f := range e.out.Drain() {
		if m, ok := f.Method.(*protocol.BasicGetOKMethod); ok {
			return m.DeliveryTag, string(f.Message.Body), true
		}
	}
	return 0, "", false
}

func (e *engine) messageCount(queue string) int {
	e.t.Helper()
	q, ok := e.srv.VirtualHost().GetQueue(queue)
	if !ok {
		return 0
	}
	return q.MessageCount()
}
