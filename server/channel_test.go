package server

import (
	"testing"

	"github.com/maxpert/amqp-engine/config"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPublishConsumeAck(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "orders", nil)
	e.consume(1, "orders", "c1", false)

	frames := e.drain()
	ok, found := findMethod[*protocol.BasicConsumeOKMethod](frames)
	require.True(t, found)
	assert.Equal(t, "c1", ok.ConsumerTag)

	e.publish(1, "", "orders", "hello")
	got := deliveries(e.drain())
	require.Len(t, got, 1)
	d := deliverOf(t, got[0])
	assert.Equal(t, "c1", d.ConsumerTag)
	assert.False(t, d.Redelivered)
	assert.Equal(t, "orders", d.RoutingKey)
	assert.Equal(t, []byte("hello"), got[0].Message.Body)
	assert.Equal(t, 0, q.MessageCount())
	assert.Equal(t, 1, q.EntryCount())
	assert.Equal(t, 1, ch.UnackedCount())

	e.call(1, &protocol.BasicAckMethod{DeliveryTag: d.DeliveryTag})
	assert.Equal(t, 0, q.EntryCount())
	assert.Equal(t, 0, ch.UnackedCount())
}

func TestMultipleAck(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	for _, body := range []string{"a", "b", "c"} {
		e.publish(1, "", "q", body)
	}
	got := deliveries(e.drain())
	require.Len(t, got, 3)

	e.call(1, &protocol.BasicAckMethod{DeliveryTag: deliverOf(t, got[1]).DeliveryTag, Multiple: true})
	assert.Equal(t, 1, ch.UnackedCount())
	assert.Equal(t, 1, q.EntryCount())

	e.call(1, &protocol.BasicAckMethod{DeliveryTag: deliverOf(t, got[2]).DeliveryTag})
	assert.Equal(t, 0, q.EntryCount())
}

func TestNoAckConsumerRemovesOnDelivery(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", true)
	e.publish(1, "", "q", "x")

	require.Len(t, deliveries(e.drain()), 1)
	assert.Equal(t, 0, q.EntryCount())
	assert.Equal(t, 0, ch.UnackedCount())
}

func TestNoAckConsumerKeepsQueueUnderCapacity(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	q := e.declareQueue(1, "q", protocol.Table{"x-flow-stop-bytes": int32(4)})
	e.consume(1, "q", "c1", true)

	publisher, err := e.srv.NewConnection(NewRecordingOutput(), nil)
	require.NoError(t, err)
	require.NoError(t, publisher.Handle(1, &protocol.ChannelOpenMethod{}))
	for i := 0; i < 3; i++ {
		require.NoError(t, publisher.Handle(1, &protocol.BasicPublishMethod{RoutingKey: "q"}))
		require.NoError(t, publisher.HandleContentHeader(1, &protocol.ContentHeader{ClassID: protocol.ClassBasic, BodySize: 4}))
		require.NoError(t, publisher.HandleContentBody(1, []byte("abcd")))
	}

	// Only the consuming connection runs its loop; it never sends a command
	require.NoError(t, e.conn.ProcessEvents())
	assert.Len(t, deliveries(e.drain()), 3)
	assert.Equal(t, 0, q.EntryCount())
	assert.Zero(t, q.Depth())
	assert.False(t, q.IsOverfull())
}

func TestRejectRequeueRedelivers(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")

	first := deliverOf(t, deliveries(e.drain())[0])
	e.call(1, &protocol.BasicRejectMethod{DeliveryTag: first.DeliveryTag, Requeue: true})

	got := deliveries(e.drain())
	require.Len(t, got, 1)
	second := deliverOf(t, got[0])
	assert.True(t, second.Redelivered)
	assert.Greater(t, second.DeliveryTag, first.DeliveryTag)

	entry, ok := ch.unacked.Get(second.DeliveryTag)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Instance.DeliveryCount())
}

func TestRejectPastDeliveryLimitDeadLetters(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.ExchangeDeclareMethod{Exchange: "dlx", Type: "fanout"})
	dead := e.declareQueue(1, "dead", nil)
	e.call(1, &protocol.QueueBindMethod{Queue: "dead", Exchange: "dlx"})
	work := e.declareQueue(1, "work", protocol.Table{
		"alternate-exchange":   "dlx",
		"x-max-delivery-count": int32(1),
	})
	e.consume(1, "work", "c1", false)
	e.publish(1, "", "work", "poison")

	d := deliverOf(t, deliveries(e.drain())[0])
	e.call(1, &protocol.BasicRejectMethod{DeliveryTag: d.DeliveryTag})

	assert.Equal(t, 0, work.EntryCount())
	assert.Equal(t, 1, dead.MessageCount())
}

func TestRejectWithoutLimitDiscards(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")

	d := deliverOf(t, deliveries(e.drain())[0])
	e.call(1, &protocol.BasicNackMethod{DeliveryTag: d.DeliveryTag})

	assert.Equal(t, 0, q.EntryCount())
	assert.Equal(t, 0, ch.UnackedCount())
}

func TestRejectWithinLimitWaitsForRecover(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", protocol.Table{"x-max-delivery-count": int32(3)})
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")

	first := deliverOf(t, deliveries(e.drain())[0])
	e.call(1, &protocol.BasicRejectMethod{DeliveryTag: first.DeliveryTag})
	assert.Equal(t, 1, ch.UnackedCount())
	assert.Empty(t, deliveries(e.drain()))

	e.call(1, &protocol.BasicRecoverMethod{Requeue: false})
	frames := e.drain()
	_, recovered := findMethod[*protocol.BasicRecoverOKMethod](frames)
	assert.True(t, recovered)
	got := deliveries(frames)
	require.Len(t, got, 1)
	second := deliverOf(t, got[0])
	assert.True(t, second.Redelivered)

	entry, ok := ch.unacked.Get(second.DeliveryTag)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Instance.DeliveryCount())
	assert.Equal(t, 1, q.EntryCount())
}

func TestRecoverRequeue(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")
	e.drain()

	e.call(1, &protocol.BasicCancelMethod{ConsumerTag: "c1"})
	e.call(1, &protocol.BasicRecoverAsyncMethod{Requeue: true})
	assert.Equal(t, 0, ch.UnackedCount())
	assert.Equal(t, 1, q.MessageCount())
	_, sentOK := findMethod[*protocol.BasicRecoverOKMethod](e.drain())
	assert.False(t, sentOK)
}

func TestPriorityQueueDeliversHighestFirst(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.declareQueue(1, "prio", protocol.Table{"x-max-priority": int32(10)})
	for _, p := range []uint8{1, 9, 4} {
		require.NoError(t, e.publishWith(1,
			&protocol.BasicPublishMethod{RoutingKey: "prio"},
			protocol.Properties{Priority: p}, []byte{p}))
	}
	e.consume(1, "prio", "c1", true)

	got := deliveries(e.drain())
	require.Len(t, got, 3)
	var order []uint8
	for _, f := range got {
		order = append(order, f.Message.Properties.Priority)
	}
	assert.Equal(t, []uint8{9, 4, 1}, order)
}

func TestTransactionCommitEnqueuesAndAcks(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.call(1, &protocol.TxSelectMethod{})
	assert.True(t, ch.IsTransactional())

	e.publish(1, "", "q", "x")
	assert.Equal(t, 0, q.MessageCount())

	e.call(1, &protocol.TxCommitMethod{})
	_, committed := findMethod[*protocol.TxCommitOKMethod](e.drain())
	assert.True(t, committed)
	assert.Equal(t, 1, q.MessageCount())

	e.consume(1, "q", "c1", false)
	d := deliverOf(t, deliveries(e.drain())[0])
	e.call(1, &protocol.BasicAckMethod{DeliveryTag: d.DeliveryTag})
	assert.Equal(t, 1, q.EntryCount())

	e.call(1, &protocol.TxCommitMethod{})
	assert.Equal(t, 0, q.EntryCount())
}

func TestTransactionRollbackResendsToSameConsumer(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")
	first := deliverOf(t, deliveries(e.drain())[0])

	e.call(1, &protocol.TxSelectMethod{})
	e.call(1, &protocol.BasicAckMethod{DeliveryTag: first.DeliveryTag})
	assert.Equal(t, 0, ch.UnackedCount())

	e.call(1, &protocol.TxRollbackMethod{})
	frames := e.drain()
	_, rolledBack := findMethod[*protocol.TxRollbackOKMethod](frames)
	assert.True(t, rolledBack)
	got := deliveries(frames)
	require.Len(t, got, 1)
	second := deliverOf(t, got[0])
	assert.Equal(t, "c1", second.ConsumerTag)
	assert.True(t, second.Redelivered)
	assert.Equal(t, 1, ch.UnackedCount())
	assert.Equal(t, 1, q.EntryCount())
}

func TestTransactionRollbackDiscardsPublishes(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.call(1, &protocol.TxSelectMethod{})
	e.publish(1, "", "q", "x")
	e.call(1, &protocol.TxRollbackMethod{})
	e.call(1, &protocol.TxCommitMethod{})
	assert.Equal(t, 0, q.MessageCount())
}

func TestCommitWithoutSelectClosesChannel(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.TxCommitMethod{})

	closeMethod, found := findMethod[*protocol.ChannelCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.PreconditionFailed), closeMethod.ReplyCode)
}

func TestMandatoryUnroutableIsReturned(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	require.NoError(t, e.publishWith(1,
		&protocol.BasicPublishMethod{RoutingKey: "missing", Mandatory: true},
		protocol.Properties{}, []byte("x")))

	frames := e.drain()
	ret, found := findMethod[*protocol.BasicReturnMethod](frames)
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.NoRoute), ret.ReplyCode)
	assert.Equal(t, "missing", ret.RoutingKey)
}

func TestUnroutableInTransactionClosesConnection(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.TxSelectMethod{})
	err := e.publishWith(1,
		&protocol.BasicPublishMethod{RoutingKey: "missing", Mandatory: true},
		protocol.Properties{}, []byte("x"))
	require.Error(t, err)

	closeMethod, found := findMethod[*protocol.ConnectionCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.NoRoute), closeMethod.ReplyCode)
	assert.True(t, e.conn.IsClosed())
}

func TestUnroutableInTransactionReturnedWhenCloseDisabled(t *testing.T) {
	e := newTestEngine(t, func(c *config.AMQPConfig) { c.Engine.CloseWhenNoRoute = false })
	e.openChannel(1)
	e.call(1, &protocol.TxSelectMethod{})
	require.NoError(t, e.publishWith(1,
		&protocol.BasicPublishMethod{RoutingKey: "missing", Mandatory: true},
		protocol.Properties{}, []byte("x")))
	_, returned := findMethod[*protocol.BasicReturnMethod](e.drain())
	assert.False(t, returned)

	e.call(1, &protocol.TxCommitMethod{})
	_, returned = findMethod[*protocol.BasicReturnMethod](e.drain())
	assert.True(t, returned)
}

func TestImmediateWithoutConsumersIsReturned(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	require.NoError(t, e.publishWith(1,
		&protocol.BasicPublishMethod{RoutingKey: "q", Immediate: true},
		protocol.Properties{}, []byte("x")))

	ret, found := findMethod[*protocol.BasicReturnMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.NoConsumers), ret.ReplyCode)
	assert.Equal(t, 0, q.MessageCount())
}

func TestExclusiveConsumeRefusedKeepsChannelOpen(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.drain()

	e.call(1, &protocol.BasicConsumeMethod{Queue: "q", ConsumerTag: "c2", Exclusive: true})
	cmdErr, found := findMethod[*protocol.CommandErrorMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.AccessRefused), cmdErr.ReplyCode)
	assert.Equal(t, channelActive, ch.state)
	assert.Equal(t, []string{"c1"}, ch.ConsumerTags())
}

func TestQosLimitsUnackedDeliveries(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.declareQueue(1, "q", nil)
	e.call(1, &protocol.BasicQosMethod{PrefetchCount: 1})
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "a")
	e.publish(1, "", "q", "b")

	got := deliveries(e.drain())
	require.Len(t, got, 1)
	assert.Equal(t, []byte("a"), got[0].Message.Body)

	e.call(1, &protocol.BasicAckMethod{DeliveryTag: deliverOf(t, got[0]).DeliveryTag})
	got = deliveries(e.drain())
	require.Len(t, got, 1)
	assert.Equal(t, []byte("b"), got[0].Message.Body)
}

func TestGlobalQosSharedAcrossConsumers(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.declareQueue(1, "a", nil)
	e.declareQueue(1, "b", nil)
	e.call(1, &protocol.BasicQosMethod{PrefetchCount: 1, Global: true})
	e.consume(1, "a", "ca", false)
	e.consume(1, "b", "cb", false)
	e.publish(1, "", "a", "1")
	e.publish(1, "", "b", "2")

	assert.Len(t, deliveries(e.drain()), 1)
}

func TestClientFlowSuspendsDelivery(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", true)

	e.call(1, &protocol.ChannelFlowMethod{Active: false})
	flowOK, found := findMethod[*protocol.ChannelFlowOKMethod](e.drain())
	require.True(t, found)
	assert.False(t, flowOK.Active)
	assert.True(t, ch.IsSuspended())

	e.publish(1, "", "q", "x")
	assert.Empty(t, deliveries(e.drain()))

	e.call(1, &protocol.ChannelFlowMethod{Active: true})
	assert.Len(t, deliveries(e.drain()), 1)
}

func TestQueueOverCapacityBlocksPublisher(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", protocol.Table{"x-flow-stop-bytes": int32(4)})
	e.publish(1, "", "q", "0123456789")

	flow, found := findMethod[*protocol.ChannelFlowMethod](e.drain())
	require.True(t, found)
	assert.False(t, flow.Active)
	assert.True(t, ch.IsBlocked())
	assert.Equal(t, 1, e.srv.Stats().FlowBlockedChannels)

	e.call(1, &protocol.BasicGetMethod{Queue: "q", NoAck: true})
	assert.Equal(t, 0, q.EntryCount())
	flow, found = findMethod[*protocol.ChannelFlowMethod](e.drain())
	require.True(t, found)
	assert.True(t, flow.Active)
	assert.False(t, ch.IsBlocked())
}

func TestBasicGet(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.publish(1, "", "q", "a")
	e.publish(1, "", "q", "b")
	e.drain()

	e.call(1, &protocol.BasicGetMethod{Queue: "q"})
	frames := e.drain()
	getOK, found := findMethod[*protocol.BasicGetOKMethod](frames)
	require.True(t, found)
	assert.Equal(t, uint32(1), getOK.MessageCount)
	assert.Equal(t, 1, ch.UnackedCount())

	e.call(1, &protocol.BasicAckMethod{DeliveryTag: getOK.DeliveryTag})
	e.call(1, &protocol.BasicGetMethod{Queue: "q", NoAck: true})
	e.call(1, &protocol.BasicGetMethod{Queue: "q"})
	_, empty := findMethod[*protocol.BasicGetEmptyMethod](e.drain())
	assert.True(t, empty)
	assert.Equal(t, 0, q.EntryCount())
}

func TestDefaultQueueUsedForEmptyName(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.QueueDeclareMethod{})
	declareOK, found := findMethod[*protocol.QueueDeclareOKMethod](e.drain())
	require.True(t, found)
	assert.NotEmpty(t, declareOK.Queue)

	e.publish(1, "", declareOK.Queue, "x")
	e.call(1, &protocol.BasicGetMethod{NoAck: true})
	_, got := findMethod[*protocol.BasicGetOKMethod](e.drain())
	assert.True(t, got)
}

func TestQueueDeleteCancelsConsumer(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	e.openChannel(2)
	e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.drain()

	e.call(2, &protocol.QueueDeleteMethod{Queue: "q"})
	var cancel *protocol.BasicCancelMethod
	for _, f := range e.drain() {
		if m, ok := f.Method.(*protocol.BasicCancelMethod); ok && f.ChannelID == 1 {
			cancel = m
		}
	}
	require.NotNil(t, cancel)
	assert.Equal(t, "c1", cancel.ConsumerTag)
	assert.Empty(t, ch.ConsumerTags())
}

func TestAutoDeleteQueueGoesWithLastConsumer(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.QueueDeclareMethod{Queue: "temp", AutoDelete: true})
	e.consume(1, "temp", "c1", false)
	e.call(1, &protocol.BasicCancelMethod{ConsumerTag: "c1"})

	_, exists := e.srv.VirtualHost().GetQueue("temp")
	assert.False(t, exists)
}

func TestUnknownConsumerTagClosesChannel(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	e.call(1, &protocol.BasicCancelMethod{ConsumerTag: "nope"})

	closeMethod, found := findMethod[*protocol.ChannelCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.NotFound), closeMethod.ReplyCode)
	assert.Equal(t, channelClosed, ch.state)

	// Methods other than close-ok are ignored until the client confirms
	e.call(1, &protocol.BasicQosMethod{PrefetchCount: 5})
	assert.Empty(t, e.drain())
	e.call(1, &protocol.ChannelCloseOKMethod{})
	_, open := e.conn.Channel(1)
	assert.False(t, open)
}

func TestChannelCloseReleasesUnacked(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")
	e.drain()

	e.call(1, &protocol.ChannelCloseMethod{})
	_, closed := findMethod[*protocol.ChannelCloseOKMethod](e.drain())
	assert.True(t, closed)
	assert.Equal(t, 1, q.MessageCount())
	assert.Equal(t, 0, q.ConsumerCount())

	ch.close()
	assert.Equal(t, channelClosed, ch.state)
	assert.Equal(t, 1, q.MessageCount())
}

func TestSessionExclusiveQueueDeletedWithChannel(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.declareQueue(1, "mine", protocol.Table{"x-exclusivity-policy": "session"})

	e.openChannel(2)
	e.call(2, &protocol.BasicGetMethod{Queue: "mine"})
	_, locked := findMethod[*protocol.ChannelCloseMethod](e.drain())
	assert.True(t, locked)

	e.call(1, &protocol.ChannelCloseMethod{})
	_, exists := e.srv.VirtualHost().GetQueue("mine")
	assert.False(t, exists)
}

func TestPublishToInternalExchangeRefused(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.call(1, &protocol.ExchangeDeclareMethod{Exchange: "internal", Type: "topic", Internal: true})
	e.drain()

	e.call(1, &protocol.BasicPublishMethod{Exchange: "internal", RoutingKey: "k"})
	closeMethod, found := findMethod[*protocol.ChannelCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.AccessRefused), closeMethod.ReplyCode)
}

func TestMethodDuringContentIsUnexpected(t *testing.T) {
	e := newTestEngine(t)
	e.openChannel(1)
	e.declareQueue(1, "q", nil)
	e.call(1, &protocol.BasicPublishMethod{RoutingKey: "q"})

	err := e.conn.Handle(1, &protocol.BasicQosMethod{})
	require.Error(t, err)
	closeMethod, found := findMethod[*protocol.ConnectionCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.UnexpectedFrame), closeMethod.ReplyCode)
}

func TestOversizedMessageRefused(t *testing.T) {
	e := newTestEngine(t, func(c *config.AMQPConfig) { c.Engine.MaxMessageSize = 4 })
	e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	require.NoError(t, e.publishWith(1, &protocol.BasicPublishMethod{RoutingKey: "q"},
		protocol.Properties{}, []byte("too long")))

	closeMethod, found := findMethod[*protocol.ChannelCloseMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.ContentTooLarge), closeMethod.ReplyCode)
	assert.Equal(t, 0, q.MessageCount())
}

func TestMultiQueueConsumeFailureLeavesNoTrace(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	first := e.declareQueue(1, "q1", nil)
	second := e.declareQueue(1, "q2", nil)
	e.call(1, &protocol.BasicConsumeMethod{Queue: "q2", ConsumerTag: "owner", Exclusive: true})
	e.drain()

	e.call(1, &protocol.BasicConsumeMethod{
		Queue:       "q1",
		ConsumerTag: "multi",
		Arguments:   protocol.Table{ArgMultiQueue: []interface{}{"q2"}},
	})
	cmdErr, found := findMethod[*protocol.CommandErrorMethod](e.drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.AccessRefused), cmdErr.ReplyCode)

	assert.Zero(t, first.ConsumerCount(), "registration on the first queue is undone")
	assert.Equal(t, 1, second.ConsumerCount())
	assert.Equal(t, []string{"owner"}, ch.ConsumerTags())

	// the tag is free again
	e.consume(1, "q1", "multi", false)
	_, ok := findMethod[*protocol.BasicConsumeOKMethod](e.drain())
	assert.True(t, ok)
}

func TestRecoverWithoutRequeueReleasesCancelledConsumers(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")
	d := deliverOf(t, deliveries(e.drain())[0])
	entry, ok := ch.unacked.Get(d.DeliveryTag)
	require.True(t, ok)
	inst := entry.Instance

	e.call(1, &protocol.BasicCancelMethod{ConsumerTag: "c1"})
	e.call(1, &protocol.BasicRecoverMethod{Requeue: false})

	frames := e.drain()
	_, recovered := findMethod[*protocol.BasicRecoverOKMethod](frames)
	assert.True(t, recovered)
	assert.Empty(t, deliveries(frames), "nothing is resent to a cancelled consumer")
	assert.Equal(t, 0, ch.UnackedCount())
	assert.Equal(t, 1, q.MessageCount())
	assert.True(t, inst.IsRedelivered())
}

func TestNackMultipleRequeue(t *testing.T) {
	e := newTestEngine(t)
	ch := e.openChannel(1)
	q := e.declareQueue(1, "q", nil)
	e.consume(1, "q", "c1", false)
	for _, body := range []string{"a", "b", "c"} {
		e.publish(1, "", "q", body)
	}
	got := deliveries(e.drain())
	require.Len(t, got, 3)

	last := deliverOf(t, got[2]).DeliveryTag
	e.call(1, &protocol.BasicNackMethod{DeliveryTag: last, Multiple: true, Requeue: true})

	redelivered := deliveries(e.drain())
	require.Len(t, redelivered, 3)
	for i, f := range redelivered {
		d := deliverOf(t, f)
		assert.True(t, d.Redelivered)
		assert.Greater(t, d.DeliveryTag, last)
		assert.Equal(t, got[i].Message.Body, f.Message.Body, "original order is kept")

		entry, ok := ch.unacked.Get(d.DeliveryTag)
		require.True(t, ok)
		assert.Equal(t, 1, entry.Instance.DeliveryCount(), "requeue does not count as an attempt")
	}
	for _, f := range got {
		_, ok := ch.unacked.Get(deliverOf(t, f).DeliveryTag)
		assert.False(t, ok)
	}
	assert.Equal(t, 3, ch.UnackedCount())

	// once the consumer is gone the range goes back to the queue
	e.call(1, &protocol.BasicCancelMethod{ConsumerTag: "c1"})
	newest := deliverOf(t, redelivered[2]).DeliveryTag
	e.call(1, &protocol.BasicNackMethod{DeliveryTag: newest, Multiple: true, Requeue: true})
	assert.Equal(t, 0, ch.UnackedCount())
	assert.Equal(t, 3, q.MessageCount())
}

func TestRepeatedRejectCountsOnce(t *testing.T) {
	collector := &recordingMetrics{}
	e := newTestEngine(t)
	e.srv.metrics = collector
	ch := e.openChannel(1)
	e.declareQueue(1, "q", protocol.Table{"x-max-delivery-count": int32(3)})
	e.consume(1, "q", "c1", false)
	e.publish(1, "", "q", "x")
	d := deliverOf(t, deliveries(e.drain())[0])

	e.call(1, &protocol.BasicRejectMethod{DeliveryTag: d.DeliveryTag})
	e.call(1, &protocol.BasicNackMethod{DeliveryTag: d.DeliveryTag, Multiple: true})

	entry, ok := ch.unacked.Get(d.DeliveryTag)
	require.True(t, ok)
	assert.True(t, entry.Rejected)
	collector.mu.Lock()
	assert.Equal(t, 1, collector.rejected)
	collector.mu.Unlock()
}

func TestCreditStallLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv, err := NewServerBuilder().
		WithLogger(zap.New(core)).
		WithStore(storage.NewMemoryStore()).
		Build()
	require.NoError(t, err)
	e := &testEngine{t: t, srv: srv, out: NewRecordingOutput()}
	e.conn, err = srv.NewConnection(e.out, nil)
	require.NoError(t, err)

	e.openChannel(1)
	e.declareQueue(1, "limited", nil)
	e.declareQueue(1, "greedy", nil)

	// channel-wide limit: the consumer's own credit stays unlimited
	e.call(1, &protocol.BasicQosMethod{PrefetchCount: 1, Global: true})
	e.consume(1, "greedy", "g", false)
	e.publish(1, "", "greedy", "a")
	e.publish(1, "", "greedy", "b")
	assert.Zero(t, logs.FilterMessage("Consumer suspended for lack of credit").Len())

	e.openChannel(2)
	e.call(2, &protocol.BasicQosMethod{PrefetchCount: 1})
	e.consume(2, "limited", "l", false)
	e.publish(2, "", "limited", "a")
	e.publish(2, "", "limited", "b")
	stalls := logs.FilterMessage("Consumer suspended for lack of credit").All()
	require.Len(t, stalls, 1)
	assert.Equal(t, "l", stalls[0].ContextMap()["consumer_tag"])

	var tag uint64
	for _, f := range deliveries(e.drain()) {
		if f.ChannelID == 2 {
			tag = deliverOf(t, f).DeliveryTag
		}
	}
	e.call(2, &protocol.BasicAckMethod{DeliveryTag: tag})
	assert.Equal(t, 1, logs.FilterMessage("Consumer resumed").Len())
}
