package messages

import "fmt"

// NodeID identifies a cluster member. Only Index is used for routing;
// Generation is checked at handshake to detect stale addressing (a node
// that left and rejoined the cluster gets a new Generation).
type NodeID struct {
	Index      uint32
	Generation uint32
}

func (n NodeID) String() string {
	return fmt.Sprintf("node[%d/%d]", n.Index, n.Generation)
}

// ClientID is an opaque small integer the server-side Sender assigns to an
// accepted inbound socket; it has no meaning across Workers or restarts.
type ClientID uint32

// PeerAddress is the tagged union Server(NodeID) | Client(ClientID). Every
// Connection has exactly one PeerAddress for its lifetime.
type PeerAddress struct {
	isServer bool
	node     NodeID
	client   ClientID
}

func ServerPeer(node NodeID) PeerAddress {
	return PeerAddress{isServer: true, node: node}
}

func ClientPeer(client ClientID) PeerAddress {
	return PeerAddress{isServer: false, client: client}
}

func (p PeerAddress) IsServer() bool {
	return p.isServer
}

func (p PeerAddress) Node() (NodeID, bool) {
	return p.node, p.isServer
}

func (p PeerAddress) Client() (ClientID, bool) {
	return p.client, !p.isServer
}

func (p PeerAddress) String() string {
	if p.isServer {
		return fmt.Sprintf("Server(%s)", p.node)
	}
	return fmt.Sprintf("Client(%d)", p.client)
}
