package broker

import (
	"strings"
	"testing"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestVirtualHost(t *testing.T) (*VirtualHost, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewVirtualHost("test", store, nil), store
}

// publishDurable stores msg on q the way a publishing channel would
func publishDurable(t *testing.T, vh *VirtualHost, q *Queue, msg *protocol.Message, body string) *MessageInstance {
	t.Helper()
	h := vh.Store().AddMessage(msg)
	h.AddContent([]byte(body))
	stored := h.AllContentAdded()

	txn := vh.Store().NewTransaction()
	rec := txn.Enqueue(q, stored)
	require.NoError(t, txn.Commit())

	inst := q.Enqueue(stored, rec)
	require.NotNil(t, inst)
	return inst
}

func persistent(rk string) *protocol.Message {
	return &protocol.Message{
		RoutingKey: rk,
		Properties: protocol.Properties{DeliveryMode: protocol.DeliveryModePersistent},
	}
}

func TestStandardExchanges(t *testing.T) {
	vh, _ := createTestVirtualHost(t)

	for _, name := range []string{DefaultExchange, AmqDirect, AmqFanout, AmqTopic, AmqHeaders, AmqMatch} {
		e, ok := vh.GetExchange(name)
		require.True(t, ok, name)
		assert.True(t, e.IsSystem())
	}

	t.Run("default exchange routes by queue name", func(t *testing.T) {
		_, _, err := vh.DeclareQueue(QueueSettings{Name: "orders"})
		require.NoError(t, err)

		res, err := vh.Route(DefaultExchange, &protocol.Message{RoutingKey: "orders"})
		require.NoError(t, err)
		assert.Equal(t, []string{"orders"}, queueNames(res.Queues))

		res, err = vh.Route(DefaultExchange, &protocol.Message{RoutingKey: "missing"})
		require.NoError(t, err)
		assert.Equal(t, NoRoute, res.Outcome)
	})

	t.Run("default exchange cannot be bound", func(t *testing.T) {
		_, err := vh.BindQueue(DefaultExchange, "orders", "x", nil)
		assert.True(t, amqperrors.IsAccessRefused(err))
	})

	t.Run("standard exchanges cannot be deleted", func(t *testing.T) {
		assert.True(t, amqperrors.IsAccessRefused(vh.DeleteExchange(AmqTopic, false)))
	})
}

func TestDeclareExchange(t *testing.T) {
	vh, _ := createTestVirtualHost(t)

	e, created, err := vh.DeclareExchange(ExchangeSettings{Name: "logs", Type: Topic})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := vh.DeclareExchange(ExchangeSettings{Name: "logs", Type: Topic})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, e, again)

	_, _, err = vh.DeclareExchange(ExchangeSettings{Name: "logs", Type: Fanout})
	assert.True(t, amqperrors.IsPreconditionFailed(err))

	_, _, err = vh.DeclareExchange(ExchangeSettings{Name: "amq.custom", Type: Direct})
	assert.True(t, amqperrors.IsAccessRefused(err))

	_, _, err = vh.DeclareExchange(ExchangeSettings{
		Name:      "with-alt",
		Type:      Direct,
		Arguments: protocol.Table{ArgAlternateExchange: "nope"},
	})
	assert.True(t, amqperrors.IsNotFound(err))
}

func TestDeleteExchange(t *testing.T) {
	vh, _ := createTestVirtualHost(t)
	_, _, err := vh.DeclareExchange(ExchangeSettings{Name: "alt", Type: Fanout})
	require.NoError(t, err)
	_, _, err = vh.DeclareExchange(ExchangeSettings{Name: "src", Type: Direct})
	require.NoError(t, err)
	_, _, err = vh.DeclareQueue(QueueSettings{Name: "q", Arguments: protocol.Table{ArgAlternateExchange: "alt"}})
	require.NoError(t, err)
	_, err = vh.BindQueue("src", "q", "k", nil)
	require.NoError(t, err)

	assert.True(t, amqperrors.IsNotFound(vh.DeleteExchange("missing", false)))
	assert.True(t, amqperrors.IsPreconditionFailed(vh.DeleteExchange("alt", false)), "alternate of a queue")
	assert.True(t, amqperrors.IsPreconditionFailed(vh.DeleteExchange("src", true)), "has bindings")

	_, err = vh.BindExchange("src", AmqFanout, "", nil)
	require.NoError(t, err)
	require.NoError(t, vh.DeleteExchange("src", false))

	fanout, _ := vh.GetExchange(AmqFanout)
	assert.False(t, fanout.HasBindings(), "bindings to the deleted exchange are removed")
}

func TestDeclareQueue(t *testing.T) {
	vh, _ := createTestVirtualHost(t)

	t.Run("server named", func(t *testing.T) {
		q, created, err := vh.DeclareQueue(QueueSettings{})
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, strings.HasPrefix(q.Name(), "amq.gen-"))
	})

	t.Run("reserved prefix", func(t *testing.T) {
		_, _, err := vh.DeclareQueue(QueueSettings{Name: "amq.mine"})
		assert.True(t, amqperrors.IsAccessRefused(err))
	})

	t.Run("exclusive to another connection", func(t *testing.T) {
		_, _, err := vh.DeclareQueue(QueueSettings{
			Name:        "private",
			Exclusivity: ExclusivityConnection,
			Owner:       Owner{ConnectionID: "c1"},
		})
		require.NoError(t, err)

		_, _, err = vh.DeclareQueue(QueueSettings{Name: "private", Owner: Owner{ConnectionID: "c2"}})
		assert.Equal(t, amqperrors.ResourceLocked, amqperrors.GetErrorCode(err))
	})

	t.Run("default delivery limit", func(t *testing.T) {
		limited := NewVirtualHost("limited", storage.NewMemoryStore(), nil, WithDefaultMaxDeliveryCount(3))
		q, _, err := limited.DeclareQueue(QueueSettings{Name: "q"})
		require.NoError(t, err)
		assert.Equal(t, 3, q.MaxDeliveryCount())

		q, _, err = limited.DeclareQueue(QueueSettings{Name: "own", Arguments: protocol.Table{ArgMaxDeliveryCount: 7}})
		require.NoError(t, err)
		assert.Equal(t, 7, q.MaxDeliveryCount())
	})
}

func TestDeleteQueue(t *testing.T) {
	vh, store := createTestVirtualHost(t)
	q, _, err := vh.DeclareQueue(QueueSettings{Name: "jobs", Durable: true})
	require.NoError(t, err)
	_, err = vh.BindQueue(AmqDirect, "jobs", "jobs", nil)
	require.NoError(t, err)
	publishDurable(t, vh, q, persistent("jobs"), "payload")
	require.Equal(t, 1, store.DurableCount("jobs"))

	_, err = vh.DeleteQueue("jobs", false, true)
	assert.True(t, amqperrors.IsPreconditionFailed(err), "not empty")

	_, err = q.AddConsumer(&testTarget{tag: "c"}, ConsumerOptions{Acquires: true})
	require.NoError(t, err)
	_, err = vh.DeleteQueue("jobs", true, false)
	assert.True(t, amqperrors.IsPreconditionFailed(err), "in use")

	n, err := vh.DeleteQueue("jobs", false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.DurableCount("jobs"), "discarded messages leave the store")

	direct, _ := vh.GetExchange(AmqDirect)
	assert.False(t, direct.HasBindings())

	_, err = vh.DeleteQueue("jobs", false, false)
	assert.True(t, amqperrors.IsNotFound(err))
}

func TestExchangeAlternateOnNoRoute(t *testing.T) {
	vh, _ := createTestVirtualHost(t)
	_, _, err := vh.DeclareExchange(ExchangeSettings{Name: "unrouted", Type: Fanout})
	require.NoError(t, err)
	_, _, err = vh.DeclareExchange(ExchangeSettings{
		Name:      "main",
		Type:      Direct,
		Arguments: protocol.Table{ArgAlternateExchange: "unrouted"},
	})
	require.NoError(t, err)
	_, _, err = vh.DeclareQueue(QueueSettings{Name: "catchall"})
	require.NoError(t, err)
	_, err = vh.BindQueue("unrouted", "catchall", "", nil)
	require.NoError(t, err)

	res, err := vh.Route("main", &protocol.Message{RoutingKey: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, Routed, res.Outcome)
	assert.Equal(t, []string{"catchall"}, queueNames(res.Queues))

	_, err = vh.Route("missing", &protocol.Message{})
	assert.True(t, amqperrors.IsNotFound(err))
}

func TestDeadLetter(t *testing.T) {
	vh, store := createTestVirtualHost(t)
	_, _, err := vh.DeclareExchange(ExchangeSettings{Name: "dlx", Type: Direct})
	require.NoError(t, err)
	work, _, err := vh.DeclareQueue(QueueSettings{
		Name:    "work",
		Durable: true,
		Arguments: protocol.Table{
			ArgDeadLetterExchange:   "dlx",
			ArgDeadLetterRoutingKey: "failed",
			ArgMaxDeliveryCount:     1,
		},
	})
	require.NoError(t, err)
	dead, _, err := vh.DeclareQueue(QueueSettings{Name: "dead", Durable: true})
	require.NoError(t, err)
	_, err = vh.BindQueue("dlx", "dead", "failed", nil)
	require.NoError(t, err)

	inst := publishDurable(t, vh, work, persistent("work"), "poison")
	require.Same(t, inst, work.Get(&testTarget{tag: "c"}, true))
	inst.IncrementDeliveryCount()
	require.True(t, inst.IsDeliveredTooManyTimes())

	move, future := vh.DeadLetter(inst)
	<-future.Done()
	require.NoError(t, future.Err())
	assert.Equal(t, 1, move.Targets())

	// The queues wait for the move to be applied
	assert.Equal(t, StateAcquired, inst.State())
	assert.Zero(t, dead.MessageCount())
	inst.Release()
	assert.Equal(t, StateAcquired, inst.State(), "pinned while the move is pending")

	move.PostCommit()
	assert.Equal(t, StateDequeued, inst.State())
	assert.Zero(t, work.EntryCount())
	assert.Equal(t, 1, dead.MessageCount())
	assert.Zero(t, store.DurableCount("work"))
	assert.Equal(t, 1, store.DurableCount("dead"))

	moved := dead.Get(&testTarget{tag: "d"}, true)
	require.NotNil(t, moved)
	assert.Equal(t, "poison", string(moved.Message().Body))
}

func TestDeadLetterWithoutAlternateDiscards(t *testing.T) {
	vh, store := createTestVirtualHost(t)
	q, _, err := vh.DeclareQueue(QueueSettings{Name: "plain", Durable: true})
	require.NoError(t, err)

	inst := publishDurable(t, vh, q, persistent("plain"), "x")
	require.NotNil(t, q.Get(&testTarget{tag: "c"}, true))

	move, future := vh.DeadLetter(inst)
	require.NoError(t, future.Err())
	assert.Zero(t, move.Targets())
	move.PostCommit()
	assert.Equal(t, StateDequeued, inst.State())
	assert.Zero(t, store.DurableCount("plain"))
}

func TestDeadLetterRollbackReturnsInstance(t *testing.T) {
	vh, store := createTestVirtualHost(t)
	q, _, err := vh.DeclareQueue(QueueSettings{Name: "plain", Durable: true})
	require.NoError(t, err)

	inst := publishDurable(t, vh, q, persistent("plain"), "x")
	require.NotNil(t, q.Get(&testTarget{tag: "c"}, true))
	require.NoError(t, store.Close())

	move, future := vh.DeadLetter(inst)
	assert.Error(t, future.Err())
	move.OnRollback()
	assert.Equal(t, StateAvailable, inst.State())
	assert.True(t, inst.IsRedelivered())
	assert.Equal(t, 1, q.MessageCount())
}

func TestRecover(t *testing.T) {
	store := storage.NewMemoryStore()
	vh := NewVirtualHost("before", store, nil)
	q, _, err := vh.DeclareQueue(QueueSettings{Name: "durable", Durable: true})
	require.NoError(t, err)
	publishDurable(t, vh, q, persistent("durable"), "one")
	publishDurable(t, vh, q, persistent("durable"), "two")
	publishDurable(t, vh, q, &protocol.Message{RoutingKey: "durable"}, "transient")

	restarted := NewVirtualHost("after", store, nil)
	n, err := restarted.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recovered, ok := restarted.GetQueue("durable")
	require.True(t, ok)
	assert.True(t, recovered.IsDurable())

	qc, err := recovered.AddConsumer(&testTarget{tag: "c"}, ConsumerOptions{Acquires: true, SeesRequeues: true})
	require.NoError(t, err)
	var bodies []string
	for _, inst := range drain(recovered, qc) {
		bodies = append(bodies, string(inst.Message().Body))
	}
	assert.Equal(t, []string{"one", "two"}, bodies)
}

func TestMemoryManagerPagesBodies(t *testing.T) {
	store, err := storage.NewBadgerStore(storage.BadgerOptions{})
	require.NoError(t, err)
	defer store.Close()

	vh := NewVirtualHost("test", store, nil)
	q, _, err := vh.DeclareQueue(QueueSettings{Name: "big"})
	require.NoError(t, err)
	body := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		publishDurable(t, vh, q, &protocol.Message{RoutingKey: "big"}, body)
	}

	mm := NewMemoryManager(vh, MemoryManagerConfig{MaxMemory: 500, PagingThreshold: 0.9, NormalThreshold: 0.5}, nil)
	mm.Check()

	stats := mm.GetStats()
	assert.Equal(t, StatePaging, stats.State)
	assert.Equal(t, int64(1000), stats.TotalMemory)
	assert.GreaterOrEqual(t, stats.TotalReleased, int64(750))
	assert.Equal(t, uint64(1), stats.TotalPageEvents)

	got := q.Get(&testTarget{tag: "c"}, true)
	require.NotNil(t, got)
	assert.Equal(t, body, string(got.Message().Body), "paged bodies are read back")

	unlimited := NewMemoryManager(vh, DefaultMemoryManagerConfig(), nil)
	unlimited.Check()
	assert.Equal(t, StateNormal, unlimited.State())
}
