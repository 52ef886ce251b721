// Package sender implements the Sender: one per Worker, holding the
// live Connection registries and the per-class output budget, grounded on
// tcrain-cons/consensus/channel/csnet/connstatus.go's cons/recvCons maps
// and used-bytes accounting.
package sender

import (
	"fmt"
	"sync/atomic"

	"github.com/RakhithJK/LogDevice/clusterconfig"
	"github.com/RakhithJK/LogDevice/conn"
	"github.com/RakhithJK/LogDevice/errs"
	"github.com/RakhithJK/LogDevice/logging"
	"github.com/RakhithJK/LogDevice/messages"
	"github.com/RakhithJK/LogDevice/worker"
)

// outboundDialer lets Sender create outbound connections without owning
// transport concerns itself; conn.Dialer implements this.
type outboundDialer interface {
	Dial(address clusterconfig.SocketAddress) (*conn.Connection, error)
}

// Sender is exclusively owned by one worker.Worker; see conn's package doc
// for the no-intra-Worker-locks convention this follows.
type Sender struct {
	w      *worker.Worker
	view   *clusterconfig.View
	dialer outboundDialer

	outbufsMbMaxServer             uint64
	outbufsMbMaxClient             uint64
	outbufsCombinedCap             uint64
	outbufSocketMinBytes           uint64
	outbufsLimitPerPeerTypeEnabled bool

	usedServerBytes atomic.Uint64
	usedClientBytes atomic.Uint64

	serverConns map[uint32]*conn.Connection        // NodeID.Index -> Connection
	clientConns map[messages.ClientID]*conn.Connection

	// perConn tracks bytes currently reserved per connID, independent of
	// which class map the connection lives in, to evaluate the per-socket
	// guaranteed minimum.
	perConn map[uint32]uint64

	nextClientID atomic.Uint32

	logPrefix string
}

type Options struct {
	Worker                         *worker.Worker
	View                           *clusterconfig.View
	OutbufsMbMaxServer             uint32
	OutbufsMbMaxClient             uint32
	OutbufSocketMinKb              uint32
	OutbufsLimitPerPeerTypeEnabled bool
	LogPrefix                      string
}

func NewSender(opts *Options) *Sender {
	s := &Sender{
		w:    opts.Worker,
		view: opts.View,

		outbufsMbMaxServer:             uint64(opts.OutbufsMbMaxServer) * 1024 * 1024,
		outbufsMbMaxClient:             uint64(opts.OutbufsMbMaxClient) * 1024 * 1024,
		outbufsCombinedCap:             (uint64(opts.OutbufsMbMaxServer) + uint64(opts.OutbufsMbMaxClient)) * 1024 * 1024,
		outbufSocketMinBytes:           uint64(opts.OutbufSocketMinKb) * 1024,
		outbufsLimitPerPeerTypeEnabled: opts.OutbufsLimitPerPeerTypeEnabled,

		serverConns: make(map[uint32]*conn.Connection),
		clientConns: make(map[messages.ClientID]*conn.Connection),

		logPrefix: opts.LogPrefix,
	}
	return s
}

// TryReserve implements conn.Budget: the per-socket guaranteed minimum is
// checked first, then the per-class cap (or the combined cap when the
// per-peer-type split is disabled).
//
// invoked on Worker goroutine
func (s *Sender) TryReserve(class conn.PeerClass, connID uint32, bytes int) bool {
	if bytes <= 0 {
		return true
	}
	size := uint64(bytes)

	used := s.perConnUsed(connID)
	if used < s.outbufSocketMinBytes {
		s.reserveClass(class, size)
		s.setPerConnUsed(connID, used+size)
		return true
	}

	if s.outbufsLimitPerPeerTypeEnabled {
		cap := s.outbufsMbMaxServer
		cur := s.usedServerBytes.Load()
		if class == conn.ClassClient {
			cap = s.outbufsMbMaxClient
			cur = s.usedClientBytes.Load()
		}
		if cur+size > cap {
			return false
		}
	} else {
		if s.usedServerBytes.Load()+s.usedClientBytes.Load()+size > s.outbufsCombinedCap {
			return false
		}
	}

	s.reserveClass(class, size)
	s.setPerConnUsed(connID, used+size)
	return true
}

func (s *Sender) reserveClass(class conn.PeerClass, size uint64) {
	if class == conn.ClassServer {
		s.usedServerBytes.Add(size)
	} else {
		s.usedClientBytes.Add(size)
	}
}

// Release implements conn.Budget.
//
// invoked on Worker goroutine
func (s *Sender) Release(class conn.PeerClass, connID uint32, bytes int) {
	if bytes <= 0 {
		return
	}
	size := uint64(bytes)
	if class == conn.ClassServer {
		s.usedServerBytes.Add(^(size - 1)) // atomic subtract
	} else {
		s.usedClientBytes.Add(^(size - 1))
	}
	used := s.perConnUsed(connID)
	if size > used {
		size = used
	}
	s.setPerConnUsed(connID, used-size)
}

// perConnUsed/setPerConnUsed are kept as a plain map because all access
// happens on the single Worker goroutine that owns this Sender, same as
// serverConns/clientConns below; no locking needed.
func (s *Sender) perConnUsed(connID uint32) uint64 {
	v, found := s.perConn[connID]
	if !found {
		return 0
	}
	return v
}

func (s *Sender) setPerConnUsed(connID uint32, v uint64) {
	if s.perConn == nil {
		s.perConn = make(map[uint32]uint64)
	}
	if v == 0 {
		delete(s.perConn, connID)
		return
	}
	s.perConn[connID] = v
}

// RemoveConnection implements conn.Registry: drop connID from whichever
// index map holds it and forget its per-socket usage. Called by
// Connection.Close before any on-sent/on-close callback fires (Open
// Question #2 decision).
//
// invoked on Worker goroutine
func (s *Sender) RemoveConnection(connID uint32) {
	for idx, c := range s.serverConns {
		if c.ConnID() == connID {
			delete(s.serverConns, idx)
			break
		}
	}
	for id, c := range s.clientConns {
		if c.ConnID() == connID {
			delete(s.clientConns, id)
			break
		}
	}
	delete(s.perConn, connID)
}

// SetDialer wires the outbound dialer after construction, since the Dialer
// itself takes this Sender as its Budget/Registry and so cannot exist
// before it.
func (s *Sender) SetDialer(d outboundDialer) {
	s.dialer = d
}

// NextClientID allocates a server-side ClientID for a newly accepted
// inbound socket. Ids are opaque and carry no meaning across Workers or
// restarts.
func (s *Sender) NextClientID() messages.ClientID {
	return messages.ClientID(s.nextClientID.Add(1))
}

// SendMessage resolves peer against the current configuration, finds or
// creates its Connection, and hands the message over for admission.
//
// invoked on Worker goroutine
func (s *Sender) SendMessage(msg *messages.Message, peer messages.PeerAddress, onSent conn.OnSentFunc, onClose conn.OnCloseFunc) conn.SendOutcome {
	// resolve peer against the current configuration
	var class conn.PeerClass
	if node, isServer := peer.Node(); isServer {
		class = conn.ClassServer
		if !s.view.Validate(node) {
			return conn.SendNotInConfig
		}
	} else {
		class = conn.ClassClient
	}

	// find or create the Connection
	c, err := s.connectionFor(peer, class)
	if err != nil {
		logging.For(s.logPrefix).WithField("peer", peer.String()).Debugf("connection construction failed: %s", err.Error())
		return conn.SendNotInConfig
	}

	// admission and ownership transfer are Connection.Send's job; it
	// consults s (as conn.Budget) internally.
	return c.Send(msg, onSent, onClose)
}

func (s *Sender) connectionFor(peer messages.PeerAddress, class conn.PeerClass) (*conn.Connection, error) {
	if node, isServer := peer.Node(); isServer {
		if c, found := s.serverConns[node.Index]; found {
			return c, nil
		}

		address, _, found := s.view.Lookup(node.Index)
		if !found {
			return nil, errs.ErrPeerNotFound
		}
		if s.dialer == nil {
			return nil, fmt.Errorf("%s: no dialer configured", s.logPrefix)
		}
		c, err := s.dialer.Dial(address)
		if err != nil {
			return nil, err
		}
		s.serverConns[node.Index] = c
		return c, nil
	}

	clientID, _ := peer.Client()
	c, found := s.clientConns[clientID]
	if !found {
		return nil, errs.ErrPeerNotFound
	}
	return c, nil
}

// AdoptInbound registers an already-accepted Connection under a freshly
// allocated ClientID, the server-side counterpart to connectionFor's
// outbound dial path.
//
// invoked on Worker goroutine
func (s *Sender) AdoptInbound(c *conn.Connection) messages.ClientID {
	id := s.NextClientID()
	c.BindClient(id)
	s.clientConns[id] = c
	return id
}

// HandleConfigUpdate posts a sweep onto the Worker that closes, with
// NotInConfig, every server Connection whose node is no longer valid under
// the current configuration. Routing stays lazy (Sender observes roster
// changes on next send), but an evicted node's Connection must not linger
// past the next event-loop tick.
func (s *Sender) HandleConfigUpdate() error {
	return s.w.Add(func() {
		s.pruneNotInConfig()
	})
}

// invoked on Worker goroutine
func (s *Sender) pruneNotInConfig() {
	stale := make([]*conn.Connection, 0)
	for _, c := range s.serverConns {
		if node, isServer := c.Peer().Node(); isServer && !s.view.Validate(node) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		// Close removes c from serverConns via RemoveConnection
		c.Close(messages.CloseNotInConfig)
	}
}

// ShutdownSockets closes every tracked Connection with messages.CloseShutdown,
// draining every pending callback, mirroring connstatus.go's Close()
// iterate-and-close.
//
// invoked on Worker goroutine
func (s *Sender) ShutdownSockets() {
	for _, c := range s.serverConns {
		c.Close(messages.CloseShutdown)
	}
	for _, c := range s.clientConns {
		c.Close(messages.CloseShutdown)
	}
}
