// Package vctable implements the fixed-capacity registry of active channels
// owned by one transaction state machine (spec component C3). Capacity is
// a firm invariant: four slots, tuned to {client, origin, cache, transform},
// and is never grown dynamically (spec §4.3, §9).
package vctable

import (
	"fmt"

	"github.com/pior/trafficcore/iobuf"
	"github.com/pior/trafficcore/iochannel"
)

// Capacity is the fixed number of slots a Table may hold.
const Capacity = 4

// Role tags why an SM opened a given channel.
type Role int

const (
	RoleClient Role = iota
	RoleOrigin
	RoleCacheRead
	RoleCacheWrite
	RoleTransform
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleOrigin:
		return "origin"
	case RoleCacheRead:
		return "cache-read"
	case RoleCacheWrite:
		return "cache-write"
	case RoleTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// Entry is one VC-table slot (spec §3 "VC-table entry").
type Entry struct {
	Channel     iochannel.Channel
	ReadBuf     *iobuf.Buffer
	WriteBuf    *iobuf.Buffer
	ReadVIO     *iochannel.VIO
	WriteVIO    *iochannel.VIO
	ReadHandler iochannel.Handler
	WriteHandler iochannel.Handler
	Role        Role
	EOS         bool
	InTunnel    bool // if true, cleanup leaves the channel open (handed to a tunnel)

	used bool
}

// Table is a fixed-capacity registry of Entry slots owned by one SM
// instance. It is not safe for concurrent use — an SM's table is only ever
// touched by the goroutine driving that SM (spec §5 thread affinity).
type Table struct {
	slots [Capacity]Entry
}

// New returns an empty Table.
func New() *Table { return &Table{} }

// NewEntry scans linearly for a free slot and installs ch into it. It
// panics if the table is already full — the SM is guaranteed by
// construction never to exceed four concurrent channels (spec §4.3, §8
// boundary behaviours: "a 5th allocation must abort").
func (t *Table) NewEntry(ch iochannel.Channel, role Role) *Entry {
	for i := range t.slots {
		if !t.slots[i].used {
			t.slots[i] = Entry{Channel: ch, Role: role, used: true}
			return &t.slots[i]
		}
	}
	panic(fmt.Sprintf("vctable: no free slot for role %s (capacity %d exhausted)", role, Capacity))
}

// CleanupEntry closes the channel (unless it has been handed off to a
// tunnel), frees both buffers, and clears the slot.
func (t *Table) CleanupEntry(e *Entry) {
	if e == nil || !e.used {
		return
	}
	if !e.InTunnel && e.Channel != nil && !e.Channel.Closed() {
		e.Channel.DoIOClose(nil)
	}
	*e = Entry{}
}

// CleanupAll clears every used slot.
func (t *Table) CleanupAll() {
	for i := range t.slots {
		if t.slots[i].used {
			t.CleanupEntry(&t.slots[i])
		}
	}
}

// IsTableClear reports whether every slot has been cleared — the SM's
// safety gate before destroying itself (spec §4.3, invariant 6 of §8).
func (t *Table) IsTableClear() bool {
	for i := range t.slots {
		if t.slots[i].used {
			return false
		}
	}
	return true
}

// Entries returns the currently occupied slots, for iteration (e.g. by
// TSHttpTxn accessors that need "the origin entry" etc).
func (t *Table) Entries() []*Entry {
	var out []*Entry
	for i := range t.slots {
		if t.slots[i].used {
			out = append(out, &t.slots[i])
		}
	}
	return out
}

// ByRole returns the first occupied entry with the given role, or nil.
func (t *Table) ByRole(role Role) *Entry {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].Role == role {
			return &t.slots[i]
		}
	}
	return nil
}
