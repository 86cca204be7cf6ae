// Package ledger tracks deliveries awaiting a disposition on one channel.
package ledger

import (
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/maxpert/amqp-engine/broker"
)

// Entry is one outstanding delivery
type Entry struct {
	Tag      uint64
	Instance *broker.MessageInstance
	Consumer broker.ConsumerTarget
	// UsesCredit is false for deliveries that took no credit (basic.get)
	UsesCredit bool
	Size       int64
	// Rejected is set when a reject without requeue left the entry waiting
	// for a resend
	Rejected bool
}

// UnackedMap maps delivery tags to outstanding deliveries. It belongs to
// one channel and is only touched from that channel's connection loop.
type UnackedMap struct {
	tags    *roaring64.Bitmap
	entries map[uint64]*Entry
	bytes   int64
}

// NewUnackedMap creates an empty ledger
func NewUnackedMap() *UnackedMap {
	return &UnackedMap{
		tags:    roaring64.New(),
		entries: make(map[uint64]*Entry),
	}
}

// Add records a new delivery. Tags are assigned in increasing order by the
// channel, so tag order is also insertion order.
func (m *UnackedMap) Add(tag uint64, inst *broker.MessageInstance, consumer broker.ConsumerTarget, usesCredit bool) *Entry {
	e := &Entry{
		Tag:        tag,
		Instance:   inst,
		Consumer:   consumer,
		UsesCredit: usesCredit,
		Size:       inst.Size(),
	}
	m.tags.Add(tag)
	m.entries[tag] = e
	m.bytes += e.Size
	return e
}

// Get returns the entry for tag
func (m *UnackedMap) Get(tag uint64) (*Entry, bool) {
	e, ok := m.entries[tag]
	return e, ok
}

// Size returns the number of outstanding deliveries
func (m *UnackedMap) Size() int {
	return len(m.entries)
}

// Bytes returns the total size of outstanding deliveries
func (m *UnackedMap) Bytes() int64 {
	return m.bytes
}

// Acknowledge retires tag, or with multiple every outstanding tag up to and
// including it, and returns the retired entries in tag order. Credit held
// by the entries is returned to their consumers. An unknown single tag
// yields nothing.
func (m *UnackedMap) Acknowledge(tag uint64, multiple bool) []*Entry {
	entries := m.Collect(tag, multiple)
	for _, e := range entries {
		m.retire(e, true)
	}
	return entries
}

// Collect returns the entries Acknowledge would retire without retiring
// them. With multiple and tag zero every entry is collected.
func (m *UnackedMap) Collect(tag uint64, multiple bool) []*Entry {
	if !multiple {
		if e, ok := m.entries[tag]; ok {
			return []*Entry{e}
		}
		return nil
	}

	var out []*Entry
	it := m.tags.Iterator()
	for it.HasNext() {
		t := it.Next()
		if tag != 0 && t > tag {
			break
		}
		out = append(out, m.entries[t])
	}
	return out
}

// Remove takes tag out of the ledger without a disposition, optionally
// returning its credit
func (m *UnackedMap) Remove(tag uint64, restoreCredit bool) *Entry {
	e, ok := m.entries[tag]
	if !ok {
		return nil
	}
	m.retire(e, restoreCredit)
	return e
}

func (m *UnackedMap) retire(e *Entry, restoreCredit bool) {
	m.tags.Remove(e.Tag)
	delete(m.entries, e.Tag)
	m.bytes -= e.Size
	if restoreCredit && e.UsesCredit && e.Consumer != nil {
		e.Consumer.RestoreCredit(1, e.Size)
	}
}

// Visit calls fn for each entry in tag order until fn returns false. fn may
// remove the entry it is given.
func (m *UnackedMap) Visit(fn func(*Entry) bool) {
	tags := m.tags.ToArray()
	for _, t := range tags {
		e, ok := m.entries[t]
		if !ok {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// Drain removes every entry, returning credit, and hands them back in tag order
func (m *UnackedMap) Drain() []*Entry {
	out := make([]*Entry, 0, len(m.entries))
	for _, t := range m.tags.ToArray() {
		e := m.entries[t]
		m.retire(e, true)
		out = append(out, e)
	}
	return out
}
