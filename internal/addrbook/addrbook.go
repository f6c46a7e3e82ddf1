// Package addrbook maintains the two disjoint address maps GMCast uses to
// track peers it has not yet established a connection to ("pending") and
// peers it has established at least once ("remote"), along with each
// address's retry budget and reconnection deadline.
package addrbook

import (
	"time"

	"github.com/sthibaul/galera/internal/gmid"
)

// Entry is the value held for an address in either map.
type Entry struct {
	// UUID is the peer identity associated with this address, or gmid.Nil
	// until learned.
	UUID gmid.UUID

	// RetryCnt is signed: negative denotes "established/stable" (do not
	// reconnect); values strictly greater than MaxRetryCnt cause the entry
	// to be forgotten on the next sweep.
	RetryCnt int

	// NextReconnect is the absolute time after which a reconnection attempt
	// is allowed.
	NextReconnect time.Time
}

// Book holds the Pending and Remote address maps. Both are owned
// exclusively by the mesh controller's event-loop goroutine; Book applies no
// locking of its own, matching GMCast's single-threaded scheduling model.
type Book struct {
	pending map[string]*Entry
	remote  map[string]*Entry
}

// New creates an empty Book.
func New() *Book {
	return &Book{
		pending: make(map[string]*Entry),
		remote:  make(map[string]*Entry),
	}
}

// InPending reports whether addr is in the pending map.
func (b *Book) InPending(addr string) bool {
	_, ok := b.pending[addr]
	return ok
}

// InRemote reports whether addr is in the remote map.
func (b *Book) InRemote(addr string) bool {
	_, ok := b.remote[addr]
	return ok
}

// Known reports whether addr is tracked in either map.
func (b *Book) Known(addr string) bool {
	return b.InPending(addr) || b.InRemote(addr)
}

// PendingEntry returns the pending entry for addr, if any.
func (b *Book) PendingEntry(addr string) (*Entry, bool) {
	e, ok := b.pending[addr]
	return e, ok
}

// RemoteEntry returns the remote entry for addr, if any.
func (b *Book) RemoteEntry(addr string) (*Entry, bool) {
	e, ok := b.remote[addr]
	return e, ok
}

// SetPending inserts or overwrites addr in the pending map. It panics if
// addr is already present in remote -- an address belongs to at most one of
// the two maps at any instant, and a caller mixing this up is a bug.
func (b *Book) SetPending(addr string, e *Entry) {
	if _, ok := b.remote[addr]; ok {
		panic("addrbook: address " + addr + " is already in remote")
	}
	b.pending[addr] = e
}

// SetRemote inserts or overwrites addr in the remote map, removing it from
// pending first if present.
func (b *Book) SetRemote(addr string, e *Entry) {
	delete(b.pending, addr)
	b.remote[addr] = e
}

// RemovePending deletes addr from the pending map, if present.
func (b *Book) RemovePending(addr string) {
	delete(b.pending, addr)
}

// RemoveRemote deletes addr from the remote map, if present.
func (b *Book) RemoveRemote(addr string) {
	delete(b.remote, addr)
}

// RangePending calls f for every pending entry. f must not mutate the
// Book directly; callers needing to erase entries while ranging should
// collect the addresses first and delete them afterwards.
func (b *Book) RangePending(f func(addr string, e *Entry)) {
	for addr, e := range b.pending {
		f(addr, e)
	}
}

// RangeRemote calls f for every remote entry, under the same discipline as
// RangePending.
func (b *Book) RangeRemote(f func(addr string, e *Entry)) {
	for addr, e := range b.remote {
		f(addr, e)
	}
}

// ForgetUUID sets RetryCnt/NextReconnect on every entry (pending or remote)
// carrying uuid so the next reconnect sweep evicts it, per the Forget
// operation's address-book half.
func (b *Book) ForgetUUID(uuid gmid.UUID, maxRetryCnt int, now time.Time) {
	bump := func(m map[string]*Entry) {
		for _, e := range m {
			if e.UUID == uuid {
				e.RetryCnt = maxRetryCnt + 1
				e.NextReconnect = now.Add(5 * time.Second)
			}
		}
	}
	bump(b.pending)
	bump(b.remote)
}

// StabilizeUUID marks every remote entry carrying uuid as stable (RetryCnt
// = -1), used when the upper layer confirms uuid is in the current primary
// view.
func (b *Book) StabilizeUUID(uuid gmid.UUID) {
	for _, e := range b.remote {
		if e.UUID == uuid {
			e.RetryCnt = -1
		}
	}
}
