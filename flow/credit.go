// Package flow implements delivery credit and publisher blocking.
package flow

import (
	"sync"
)

// CreditManager tracks how many messages and bytes may still be sent before
// acknowledgements return capacity. A limit of zero means that dimension is
// unlimited, so NewCreditManager(0, 0) never runs out of credit.
type CreditManager struct {
	mu sync.Mutex

	bytesLimit int64
	countLimit int64

	bytesOutstanding int64
	countOutstanding int64
}

// NewCreditManager creates a credit manager with the given limits
func NewCreditManager(bytesLimit, countLimit int64) *CreditManager {
	return &CreditManager{
		bytesLimit: bytesLimit,
		countLimit: countLimit,
	}
}

// SetCreditLimits replaces both limits. Outstanding usage is kept, so
// lowering a limit below current usage leaves the manager without credit
// until enough is restored.
func (c *CreditManager) SetCreditLimits(bytesLimit, countLimit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesLimit = bytesLimit
	c.countLimit = countLimit
}

// Limits returns the current byte and count limits
func (c *CreditManager) Limits() (bytesLimit, countLimit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesLimit, c.countLimit
}

// IsGreedy reports whether both dimensions are unlimited
func (c *CreditManager) IsGreedy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesLimit == 0 && c.countLimit == 0
}

// HasCredit reports whether at least one more message may be sent
func (c *CreditManager) HasCredit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCreditLocked()
}

func (c *CreditManager) hasCreditLocked() bool {
	if c.countLimit != 0 && c.countOutstanding >= c.countLimit {
		return false
	}
	if c.bytesLimit != 0 && c.bytesOutstanding >= c.bytesLimit {
		return false
	}
	return true
}

// UseCreditForMessage takes credit for one message of size bytes. It fails
// without side effects when the limits do not allow the message. A message
// larger than the whole byte budget still goes out when nothing else is
// outstanding.
func (c *CreditManager) UseCreditForMessage(size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCreditLocked() {
		return false
	}
	if c.bytesLimit != 0 && c.countOutstanding > 0 && c.bytesOutstanding+size > c.bytesLimit {
		return false
	}

	c.countOutstanding++
	c.bytesOutstanding += size
	return true
}

// ForceUseCredit records a message sent regardless of the limits, for
// redeliveries that must not be held back.
func (c *CreditManager) ForceUseCredit(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countOutstanding++
	c.bytesOutstanding += size
}

// RestoreCredit returns capacity for count messages totalling size bytes.
// It reports whether the manager went from no credit to having credit, in
// which case pending deliveries need another look.
func (c *CreditManager) RestoreCredit(count, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.hasCreditLocked()
	c.countOutstanding -= count
	c.bytesOutstanding -= size
	if c.countOutstanding < 0 {
		c.countOutstanding = 0
	}
	if c.bytesOutstanding < 0 {
		c.bytesOutstanding = 0
	}
	return !before && c.hasCreditLocked()
}

// Outstanding returns the number and total size of messages holding credit
func (c *CreditManager) Outstanding() (count, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countOutstanding, c.bytesOutstanding
}
