package broker

import (
	"strings"
	"testing"

	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string, args protocol.Table) *Queue {
	t.Helper()
	q, err := NewQueue(QueueSettings{Name: name, Arguments: args}, nil)
	require.NoError(t, err)
	return q
}

func queueNames(qs []*Queue) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Name()
	}
	return out
}

func TestTopicMatching(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"a.*.#.b.c", "a.x.y.b.c", true},
		{"a.*.#.b.c", "a.b.c.b.c", true},
		{"a.*.#.b.c", "a.x.b.c", true},
		{"a.*.#.b.c", "a.b.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b", true},
		{"a.#", "a.b.c", true},
		{"a.*", "a.b", true},
		{"a.*", "a", false},
		{"a.*", "a.b.c", false},
		{"a.b.c.d", "a.b.c", false},
		{"#", "", true},
		{"#", "anything.at.all", true},
		{"#.#", "a.b", true},
		{"#.b.#.d", "a.b.c.d", true},
		{"#.b.#.d", "a.b.c.e", false},
		{"*.*", "a", false},
		{"A.b", "a.b", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			got := matchTopic(strings.Split(tt.pattern, "."), strings.Split(tt.key, "."))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectExchangeRouting(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "test.direct", Type: Direct}, nil)
	q1, q2, q3 := newTestQueue(t, "queue1", nil), newTestQueue(t, "queue2", nil), newTestQueue(t, "queue3", nil)

	for _, b := range []struct {
		key string
		q   *Queue
	}{{"key1", q1}, {"key1", q2}, {"key2", q3}} {
		created, err := e.AddBinding(b.key, b.q, nil)
		require.NoError(t, err)
		assert.True(t, created)
	}

	t.Run("Exact routing key match delivers to bound queues", func(t *testing.T) {
		res := e.Route(&protocol.Message{}, "key1")
		assert.Equal(t, Routed, res.Outcome)
		assert.Equal(t, []string{"queue1", "queue2"}, queueNames(res.Queues))
	})

	t.Run("Unknown key has no route", func(t *testing.T) {
		res := e.Route(&protocol.Message{}, "key3")
		assert.Equal(t, NoRoute, res.Outcome)
		assert.Empty(t, res.Queues)
	})
}

func TestFanoutDeliversOncePerQueue(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "test.fanout", Type: Fanout}, nil)
	q1, q2 := newTestQueue(t, "queue1", nil), newTestQueue(t, "queue2", nil)

	_, err := e.AddBinding("a", q1, nil)
	require.NoError(t, err)
	_, err = e.AddBinding("b", q1, nil)
	require.NoError(t, err)
	_, err = e.AddBinding("", q2, nil)
	require.NoError(t, err)

	res := e.Route(&protocol.Message{}, "ignored")
	assert.Equal(t, []string{"queue1", "queue2"}, queueNames(res.Queues))
}

func TestTopicBindingScenario(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "test.topic", Type: Topic}, nil)
	q1 := newTestQueue(t, "Q1", nil)
	_, err := e.AddBinding("a.*", q1, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Q1"}, queueNames(e.Route(&protocol.Message{}, "a.b").Queues))
	assert.Equal(t, NoRoute, e.Route(&protocol.Message{}, "a").Outcome)
}

func TestRebindReplacesArguments(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "test.topic", Type: Topic}, nil)
	q := newTestQueue(t, "q", nil)

	created, err := e.AddBinding("a.#", q, protocol.Table{filter.SelectorArgument: "color = 'red'"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = e.AddBinding("a.#", q, protocol.Table{filter.SelectorArgument: "color = 'blue'"})
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, e.Bindings(), 1)

	blue := &protocol.Message{Properties: protocol.Properties{Headers: protocol.Table{"color": "blue"}}}
	assert.Equal(t, Routed, e.Route(blue, "a.b").Outcome)
}

func TestHeadersExchangeRouting(t *testing.T) {
	msg := func(h protocol.Table) *protocol.Message {
		return &protocol.Message{Properties: protocol.Properties{Headers: h}}
	}

	t.Run("all requires every header", func(t *testing.T) {
		e := NewExchange(ExchangeSettings{Name: "h", Type: Headers}, nil)
		q := newTestQueue(t, "q", nil)
		_, err := e.AddBinding("", q, protocol.Table{"A": "1"})
		require.NoError(t, err)

		assert.Equal(t, Routed, e.Route(msg(protocol.Table{"A": "1"}), "").Outcome)
		assert.Equal(t, NoRoute, e.Route(msg(protocol.Table{"A": "2"}), "").Outcome)
		assert.Equal(t, NoRoute, e.Route(msg(nil), "").Outcome)
	})

	t.Run("any requires one header", func(t *testing.T) {
		e := NewExchange(ExchangeSettings{Name: "h", Type: Headers}, nil)
		q := newTestQueue(t, "q", nil)
		_, err := e.AddBinding("", q, protocol.Table{ArgMatch: "any", "A": "1", "B": "2"})
		require.NoError(t, err)

		assert.Equal(t, Routed, e.Route(msg(protocol.Table{"A": "1"}), "").Outcome)
		assert.Equal(t, NoRoute, e.Route(msg(protocol.Table{"C": "3"}), "").Outcome)
	})

	t.Run("null value only needs presence", func(t *testing.T) {
		e := NewExchange(ExchangeSettings{Name: "h", Type: Headers}, nil)
		q := newTestQueue(t, "q", nil)
		_, err := e.AddBinding("", q, protocol.Table{"A": nil})
		require.NoError(t, err)

		assert.Equal(t, Routed, e.Route(msg(protocol.Table{"A": "whatever"}), "").Outcome)
		assert.Equal(t, NoRoute, e.Route(msg(protocol.Table{"B": "1"}), "").Outcome)
	})

	t.Run("numeric values compare by value", func(t *testing.T) {
		e := NewExchange(ExchangeSettings{Name: "h", Type: Headers}, nil)
		q := newTestQueue(t, "q", nil)
		_, err := e.AddBinding("", q, protocol.Table{"n": int32(5)})
		require.NoError(t, err)

		assert.Equal(t, Routed, e.Route(msg(protocol.Table{"n": int64(5)}), "").Outcome)
	})

	t.Run("invalid x-match", func(t *testing.T) {
		e := NewExchange(ExchangeSettings{Name: "h", Type: Headers}, nil)
		_, err := e.AddBinding("", newTestQueue(t, "q", nil), protocol.Table{ArgMatch: "some"})
		assert.Error(t, err)
	})
}

func TestSelectorFilteredIsDistinctFromNoRoute(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "d", Type: Direct}, filter.NewCache(0, 0))
	q := newTestQueue(t, "q", nil)
	_, err := e.AddBinding("k", q, protocol.Table{filter.SelectorArgument: "size > 10"})
	require.NoError(t, err)

	small := &protocol.Message{Properties: protocol.Properties{Headers: protocol.Table{"size": 3}}}
	large := &protocol.Message{Properties: protocol.Properties{Headers: protocol.Table{"size": 30}}}

	assert.Equal(t, Filtered, e.Route(small, "k").Outcome)
	assert.Equal(t, Routed, e.Route(large, "k").Outcome)
	assert.Equal(t, NoRoute, e.Route(large, "other").Outcome)

	_, err = e.AddBinding("k2", q, protocol.Table{filter.SelectorArgument: "size >"})
	assert.Error(t, err)
}

func TestExchangeToExchangeRouting(t *testing.T) {
	src := NewExchange(ExchangeSettings{Name: "src", Type: Fanout}, nil)
	mid := NewExchange(ExchangeSettings{Name: "mid", Type: Direct}, nil)
	q := newTestQueue(t, "q", nil)

	_, err := src.AddBinding("", mid, nil)
	require.NoError(t, err)
	_, err = mid.AddBinding("k", q, nil)
	require.NoError(t, err)
	_, err = mid.AddBinding("", src, nil)
	require.NoError(t, err)

	res := src.Route(&protocol.Message{}, "k")
	assert.Equal(t, []string{"q"}, queueNames(res.Queues))
}

func TestRemoveBinding(t *testing.T) {
	e := NewExchange(ExchangeSettings{Name: "d", Type: Direct}, nil)
	q := newTestQueue(t, "q", nil)
	_, err := e.AddBinding("k", q, nil)
	require.NoError(t, err)

	assert.Error(t, e.RemoveBinding("other", q))
	require.NoError(t, e.RemoveBinding("k", q))
	assert.False(t, e.HasBindings())

	_, err = e.AddBinding("a", q, nil)
	require.NoError(t, err)
	_, err = e.AddBinding("b", q, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.RemoveDestination(q))
	assert.Empty(t, e.Bindings())
}

func TestParseExchangeType(t *testing.T) {
	for _, name := range []string{"direct", "fanout", "topic", "headers"} {
		typ, err := ParseExchangeType(name)
		require.NoError(t, err)
		assert.Equal(t, name, typ.String())
	}
	_, err := ParseExchangeType("x-consistent-hash")
	assert.Error(t, err)
}
