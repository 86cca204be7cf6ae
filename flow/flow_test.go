package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreditManager(t *testing.T) {
	t.Run("zero limits mean unlimited", func(t *testing.T) {
		c := NewCreditManager(0, 0)
		assert.True(t, c.IsGreedy())
		for i := 0; i < 1000; i++ {
			assert.True(t, c.UseCreditForMessage(1<<20))
		}
		assert.True(t, c.HasCredit())
	})

	t.Run("count limit is enforced", func(t *testing.T) {
		c := NewCreditManager(0, 2)
		assert.True(t, c.UseCreditForMessage(10))
		assert.True(t, c.UseCreditForMessage(10))
		assert.False(t, c.HasCredit())
		assert.False(t, c.UseCreditForMessage(10))

		count, bytes := c.Outstanding()
		assert.Equal(t, int64(2), count)
		assert.Equal(t, int64(20), bytes)
	})

	t.Run("failed use has no side effect", func(t *testing.T) {
		c := NewCreditManager(100, 0)
		assert.True(t, c.UseCreditForMessage(60))
		assert.False(t, c.UseCreditForMessage(60))

		count, bytes := c.Outstanding()
		assert.Equal(t, int64(1), count)
		assert.Equal(t, int64(60), bytes)
	})

	t.Run("oversized message passes when nothing is outstanding", func(t *testing.T) {
		c := NewCreditManager(100, 0)
		assert.True(t, c.UseCreditForMessage(500))
		assert.False(t, c.HasCredit())
	})

	t.Run("restore reports the transition to having credit", func(t *testing.T) {
		c := NewCreditManager(0, 1)
		assert.True(t, c.UseCreditForMessage(5))
		assert.True(t, c.RestoreCredit(1, 5))
		assert.False(t, c.RestoreCredit(1, 5), "already had credit")
		assert.True(t, c.HasCredit())

		count, bytes := c.Outstanding()
		assert.Zero(t, count)
		assert.Zero(t, bytes)
	})

	t.Run("new limits apply before any message is sent", func(t *testing.T) {
		c := NewCreditManager(0, 0)
		c.SetCreditLimits(0, 1)
		assert.True(t, c.HasCredit())
		assert.True(t, c.UseCreditForMessage(1))
		assert.False(t, c.HasCredit())

		c.SetCreditLimits(0, 0)
		assert.True(t, c.HasCredit())
	})

	t.Run("forced use can exceed the limit", func(t *testing.T) {
		c := NewCreditManager(0, 1)
		c.ForceUseCredit(1)
		c.ForceUseCredit(1)
		assert.False(t, c.HasCredit())
		assert.False(t, c.RestoreCredit(1, 1))
		assert.True(t, c.RestoreCredit(1, 1))
	})
}

func TestGate(t *testing.T) {
	t.Run("blocking is reference counted by entity", func(t *testing.T) {
		g := NewGate()
		assert.False(t, g.IsBlocked())

		assert.True(t, g.Block("q1"))
		assert.False(t, g.Block("q2"))
		assert.False(t, g.Block("q1"), "same entity twice is a no-op")
		assert.Equal(t, []string{"q1", "q2"}, g.Entities())

		assert.False(t, g.Unblock("q1"))
		assert.True(t, g.IsBlocked())
		assert.True(t, g.Unblock("q2"))
		assert.False(t, g.IsBlocked())
		assert.False(t, g.Unblock("q2"))
	})

	t.Run("blocked duration", func(t *testing.T) {
		now := time.Unix(1000, 0)
		g := NewGate()
		g.now = func() time.Time { return now }

		assert.Zero(t, g.BlockedFor())
		g.Block(AllQueues)
		now = now.Add(3 * time.Second)
		assert.Equal(t, 3*time.Second, g.BlockedFor())

		assert.True(t, g.UnblockAll())
		assert.Zero(t, g.BlockedFor())
	})
}
