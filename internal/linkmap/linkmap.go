// Package linkmap defines a node's advertised view of (UUID -> listen
// address) pairs, the payload of a TOPOLOGY_CHANGE frame.
package linkmap

import (
	"sort"

	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/wire"
)

// Link is one entry of a LinkMap.
type Link struct {
	Addr string
}

// LinkMap is an ordered mapping from UUID to Link. The total order on UUIDs
// gives every node the same serialization for the same set of entries.
type LinkMap struct {
	links map[gmid.UUID]Link
}

// New creates an empty LinkMap.
func New() *LinkMap {
	return &LinkMap{links: make(map[gmid.UUID]Link)}
}

// Set inserts or overwrites the Link for uuid.
func (lm *LinkMap) Set(uuid gmid.UUID, addr string) {
	lm.links[uuid] = Link{Addr: addr}
}

// Get returns the Link for uuid, if present.
func (lm *LinkMap) Get(uuid gmid.UUID) (Link, bool) {
	l, ok := lm.links[uuid]
	return l, ok
}

// Len returns the number of entries.
func (lm *LinkMap) Len() int {
	return len(lm.links)
}

// uuids returns the map's keys in their total order, for deterministic
// iteration and serialization.
func (lm *LinkMap) uuids() []gmid.UUID {
	out := make([]gmid.UUID, 0, len(lm.links))
	for u := range lm.links {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Range calls f for every entry in UUID order. Iteration stops if f returns
// false.
func (lm *LinkMap) Range(f func(uuid gmid.UUID, l Link) bool) {
	for _, u := range lm.uuids() {
		if !f(u, lm.links[u]) {
			return
		}
	}
}

// ToFrame serializes the LinkMap as a TOPOLOGY_CHANGE body advertised by
// source.
func (lm *LinkMap) ToFrame(source gmid.UUID) *wire.TopologyChangeBody {
	entries := make([]wire.LinkEntry, 0, len(lm.links))
	lm.Range(func(u gmid.UUID, l Link) bool {
		entries = append(entries, wire.LinkEntry{UUID: u, Addr: l.Addr})
		return true
	})
	return &wire.TopologyChangeBody{SourceUUID: source, Links: entries}
}

// FromFrame builds a LinkMap from a received TOPOLOGY_CHANGE body, replacing
// whatever the PeerProto previously held wholesale.
func FromFrame(body *wire.TopologyChangeBody) *LinkMap {
	lm := New()
	for _, e := range body.Links {
		lm.Set(e.UUID, e.Addr)
	}
	return lm
}
