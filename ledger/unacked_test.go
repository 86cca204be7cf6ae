package ledger

import (
	"testing"

	"github.com/maxpert/amqp-engine/broker"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	tag           string
	restoredCount int64
	restoredBytes int64
}

func (c *fakeConsumer) Tag() string                { return c.tag }
func (c *fakeConsumer) NotifyWork()                {}
func (c *fakeConsumer) QueueDeleted(*broker.Queue) {}
func (c *fakeConsumer) IsClosed() bool             { return false }
func (c *fakeConsumer) RestoreCredit(count, size int64) {
	c.restoredCount += count
	c.restoredBytes += size
}

func newInstances(t *testing.T, n int) []*broker.MessageInstance {
	t.Helper()
	store := storage.NewMemoryStore()
	q, err := broker.NewQueue(broker.QueueSettings{Name: "q"}, nil)
	require.NoError(t, err)

	out := make([]*broker.MessageInstance, n)
	for i := range out {
		h := store.AddMessage(&protocol.Message{RoutingKey: "q"})
		h.AddContent([]byte("0123456789"))
		out[i] = q.Enqueue(h.AllContentAdded(), nil)
	}
	return out
}

func TestAcknowledgeMultipleIsGapTolerant(t *testing.T) {
	m := NewUnackedMap()
	a, b := &fakeConsumer{tag: "a"}, &fakeConsumer{tag: "b"}
	insts := newInstances(t, 4)

	m.Add(1, insts[0], a, true)
	m.Add(2, insts[1], b, true)
	m.Add(4, insts[2], a, true)
	m.Add(7, insts[3], b, true)

	retired := m.Acknowledge(5, true)
	require.Len(t, retired, 3)
	assert.Equal(t, uint64(1), retired[0].Tag)
	assert.Equal(t, uint64(2), retired[1].Tag)
	assert.Equal(t, uint64(4), retired[2].Tag)

	assert.Equal(t, 1, m.Size())
	_, ok := m.Get(7)
	assert.True(t, ok)

	assert.Equal(t, int64(2), a.restoredCount)
	assert.Equal(t, int64(1), b.restoredCount)
	assert.Equal(t, int64(20), a.restoredBytes)
	assert.Equal(t, int64(10), m.Bytes())
}

func TestAcknowledgeUnknownTag(t *testing.T) {
	m := NewUnackedMap()
	insts := newInstances(t, 1)
	m.Add(1, insts[0], &fakeConsumer{}, true)

	assert.Empty(t, m.Acknowledge(9, false))
	assert.Len(t, m.Acknowledge(1, false), 1)
	assert.Empty(t, m.Acknowledge(1, false), "second ack of the same tag")
}

func TestCollectDoesNotRetire(t *testing.T) {
	m := NewUnackedMap()
	insts := newInstances(t, 3)
	for i, inst := range insts {
		m.Add(uint64(i+1), inst, &fakeConsumer{}, true)
	}

	assert.Len(t, m.Collect(2, true), 2)
	assert.Len(t, m.Collect(0, true), 3, "zero with multiple means everything")
	assert.Equal(t, 3, m.Size())
}

func TestRemoveCredit(t *testing.T) {
	m := NewUnackedMap()
	c := &fakeConsumer{}
	insts := newInstances(t, 2)
	m.Add(1, insts[0], c, true)
	m.Add(2, insts[1], c, false)

	require.NotNil(t, m.Remove(1, false))
	assert.Zero(t, c.restoredCount)

	require.NotNil(t, m.Remove(2, true))
	assert.Zero(t, c.restoredCount, "entry took no credit")

	assert.Nil(t, m.Remove(2, true))
	assert.Zero(t, m.Size())
}

func TestVisitAndDrainInTagOrder(t *testing.T) {
	m := NewUnackedMap()
	insts := newInstances(t, 3)
	m.Add(3, insts[2], &fakeConsumer{}, true)
	m.Add(1, insts[0], &fakeConsumer{}, true)
	m.Add(2, insts[1], &fakeConsumer{}, true)

	var seen []uint64
	m.Visit(func(e *Entry) bool {
		seen = append(seen, e.Tag)
		if e.Tag == 2 {
			m.Remove(e.Tag, true)
		}
		return true
	})
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	drained := m.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, uint64(1), drained[0].Tag)
	assert.Equal(t, uint64(3), drained[1].Tag)
	assert.Zero(t, m.Size())
	assert.Zero(t, m.Bytes())
}
