// Package clusterconfig implements the cluster configuration view: an
// immutable snapshot of NodeID -> SocketAddress swapped atomically,
// mirroring go-elect's protocol.ConnState.Data atomic.Pointer[ConnVolatileData]
// lock-free read pattern.
package clusterconfig

import (
	"sync/atomic"

	"github.com/RakhithJK/LogDevice/messages"
)

// SocketAddress is a dial/listen address such as "host:port".
type SocketAddress string

// Snapshot is the immutable mapping swapped wholesale by Swap. Callers must
// never mutate a Snapshot in place; construct a new one and Swap it.
type Snapshot struct {
	ClusterName string
	Generation  uint32
	Nodes       map[uint32]nodeEntry // NodeID.Index -> entry
}

type nodeEntry struct {
	address    SocketAddress
	generation uint32
}

// NewSnapshot builds a Snapshot from a flat node list, the shape a
// configstore-backed loader would naturally produce.
func NewSnapshot(clusterName string, generation uint32, nodes map[uint32]struct {
	Address    SocketAddress
	Generation uint32
}) *Snapshot {
	s := &Snapshot{
		ClusterName: clusterName,
		Generation:  generation,
		Nodes:       make(map[uint32]nodeEntry, len(nodes)),
	}
	for idx, n := range nodes {
		s.Nodes[idx] = nodeEntry{address: n.Address, generation: n.Generation}
	}
	return s
}

// View holds the current Snapshot behind an atomic.Pointer so readers never
// block on the (rare) writer.
type View struct {
	current atomic.Pointer[Snapshot]
}

func NewView(initial *Snapshot) *View {
	v := &View{}
	v.current.Store(initial)
	return v
}

// Swap atomically installs next as the current configuration. Sender
// observes the change lazily on next send rather than eagerly closing
// connections.
func (v *View) Swap(next *Snapshot) {
	v.current.Store(next)
}

// Current returns the currently installed Snapshot.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}

// Lookup resolves a NodeID's index to its current address and generation.
// found is false when the index is absent from the current configuration
// ("NotInConfig" at the caller).
func (v *View) Lookup(index uint32) (SocketAddress, uint32, bool) {
	snap := v.current.Load()
	if snap == nil {
		return "", 0, false
	}
	entry, found := snap.Nodes[index]
	if !found {
		return "", 0, false
	}
	return entry.address, entry.generation, true
}

// Validate checks a NodeID against the current configuration: present, and
// if the NodeID carries a nonzero Generation, that it matches — a stale
// Generation (the node left and rejoined) also resolves to NotInConfig.
func (v *View) Validate(node messages.NodeID) bool {
	_, gen, found := v.Lookup(node.Index)
	if !found {
		return false
	}
	if node.Generation != 0 && node.Generation != gen {
		return false
	}
	return true
}

// LookupByAddress reverse-resolves a dial address to its NodeID, used by
// conn.Dialer to tag a freshly dialed Connection's PeerAddress.
func (v *View) LookupByAddress(address SocketAddress) (messages.NodeID, bool) {
	snap := v.current.Load()
	if snap == nil {
		return messages.NodeID{}, false
	}
	for idx, entry := range snap.Nodes {
		if entry.address == address {
			return messages.NodeID{Index: idx, Generation: entry.generation}, true
		}
	}
	return messages.NodeID{}, false
}

// ClusterName returns the current configuration's cluster name.
// conn.sendHello does not call it: HELLO carries config.Settings.ClusterName.
func (v *View) ClusterName() string {
	snap := v.current.Load()
	if snap == nil {
		return ""
	}
	return snap.ClusterName
}
