package conn

import (
	"fmt"
	"net"
	"time"

	transporttcp "github.com/Meander-Cloud/go-transport/tcp"

	"github.com/RakhithJK/LogDevice/clusterconfig"
	"github.com/RakhithJK/LogDevice/config"
	"github.com/RakhithJK/LogDevice/errs"
	"github.com/RakhithJK/LogDevice/messages"
	"github.com/RakhithJK/LogDevice/throttle"
	"github.com/RakhithJK/LogDevice/worker"
)

// HandleFrame processes one decoded Message against its owning Connection,
// e.g. routing HELLO/ACK into Connection.OnHelloReceived/OnAck and
// everything else into the caller's application dispatch.
type HandleFrame func(c *Connection, msg *messages.Message)

// Dialer adapts go-transport's reconnecting TcpClient into this package's
// Connection/Budget/Registry model, generalized from
// net/tcp/tcp.go's Matrix (which wired one TcpClient per entry of a fixed
// PeerAddressList) to a single on-demand Dial call per clusterconfig.View
// lookup result.
type Dialer struct {
	w           *worker.Worker
	budget      Budget
	registry    Registry
	settings    *config.Settings
	view        *clusterconfig.View
	handleFrame HandleFrame
	throttle    *throttle.Throttle

	clients map[clusterconfig.SocketAddress]*transporttcp.TcpClient
}

func NewDialer(
	w *worker.Worker,
	budget Budget,
	registry Registry,
	settings *config.Settings,
	view *clusterconfig.View,
	handleFrame HandleFrame,
	connectThrottle *throttle.Throttle,
) *Dialer {
	return &Dialer{
		w:           w,
		budget:      budget,
		registry:    registry,
		settings:    settings,
		view:        view,
		handleFrame: handleFrame,
		throttle:    connectThrottle,
		clients:     make(map[clusterconfig.SocketAddress]*transporttcp.TcpClient),
	}
}

func (d *Dialer) tcpOptions(address clusterconfig.SocketAddress, logPrefix string) *transporttcp.Options {
	keepAliveInterval := config.TcpKeepAliveInterval
	if d.settings.TcpKeepAliveInterval != 0 {
		keepAliveInterval = time.Second * time.Duration(d.settings.TcpKeepAliveInterval)
	}
	keepAliveCount := config.TcpKeepAliveCount
	if d.settings.TcpKeepAliveCount != 0 {
		keepAliveCount = d.settings.TcpKeepAliveCount
	}
	dialTimeout := config.TcpDialTimeout
	if d.settings.TcpDialTimeout != 0 {
		dialTimeout = time.Second * time.Duration(d.settings.TcpDialTimeout)
	}

	return &transporttcp.Options{
		Address:           string(address),
		KeepAliveInterval: keepAliveInterval,
		KeepAliveCount:    keepAliveCount,
		DialTimeout:       dialTimeout,
		LogPrefix:         logPrefix,
		LogDebug:          d.settings.LogDebug,
	}
}

// Dial establishes (or returns an already-established) Connection to
// address as Server class, outbound. Connection's own ReadLoop is started
// once go-transport reports the socket up, via the Protocol hook below.
// Required to avoid reconnect storms against an unreachable peer: a new
// dial is gated by the connect throttle, which paces retries with
// exponential backoff per address.
func (d *Dialer) Dial(address clusterconfig.SocketAddress) (*Connection, error) {
	if existing, found := d.clients[address]; found && existing != nil {
		// already dialing/connected; Connection lifecycle tracked by Sender
		return nil, fmt.Errorf("%s: already dialing %s", d.settings.LogPrefix, address)
	}

	if d.throttle != nil && !d.throttle.MayConnect(string(address)) {
		return nil, fmt.Errorf("%s: %s: %w", d.settings.LogPrefix, address, errs.ErrThrottled)
	}
	if d.throttle != nil {
		d.throttle.MarkInFlight(string(address))
	}

	node, _ := d.view.LookupByAddress(address)

	c := NewConnection(d.w, d.budget, d.registry, d.settings, messages.ServerPeer(node), ClassServer, true)

	adapter := &transportAdapter{dialer: d, c: c, address: address}
	opts := d.tcpOptions(address, fmt.Sprintf("%s-dial-%s", d.settings.LogPrefix, address))
	opts.Protocol = adapter

	client, err := transporttcp.NewTcpClient(opts)
	if err != nil {
		if d.throttle != nil {
			d.throttle.OnOutcome(string(address), false)
		}
		return nil, err
	}
	d.clients[address] = client

	return c, nil
}

func (d *Dialer) Shutdown() {
	for _, client := range d.clients {
		client.Shutdown()
	}
}

// transportAdapter implements go-transport's expected Protocol interface
// (a ReadLoop(net.Conn) callback invoked once the socket is up), mirroring
// protocol.Server/protocol.Client's own role as tcp.Options.Protocol in
// net/tcp/tcp.go's Matrix.
type transportAdapter struct {
	dialer  *Dialer
	c       *Connection
	address clusterconfig.SocketAddress
}

func (a *transportAdapter) ReadLoop(netConn net.Conn) {
	if a.dialer.throttle != nil {
		// the TCP socket is up: the dial itself succeeded, regardless of
		// what the handshake that follows decides.
		a.dialer.throttle.OnOutcome(string(a.address), true)
	}

	// Connect mutates Worker-owned Connection state, so it must run on
	// the Worker goroutine; this goroutine only reads frames.
	connected := make(chan error, 1)
	if err := a.c.w.Add(func() {
		connected <- a.c.Connect(netConn)
	}); err != nil {
		netConn.Close()
		return
	}
	if err := <-connected; err != nil {
		netConn.Close()
		return
	}
	a.c.ReadLoop(a.dialer.handleFrame)
}

// Listener adapts go-transport's TcpServer the same way Dialer adapts
// TcpClient, for the inbound accept side.
type Listener struct {
	w           *worker.Worker
	budget      Budget
	registry    Registry
	settings    *config.Settings
	handleFrame HandleFrame
	onAccept    func(c *Connection)

	server *transporttcp.TcpServer
}

func NewListener(w *worker.Worker, budget Budget, registry Registry, settings *config.Settings, handleFrame HandleFrame, onAccept func(c *Connection)) *Listener {
	return &Listener{
		w:           w,
		budget:      budget,
		registry:    registry,
		settings:    settings,
		handleFrame: handleFrame,
		onAccept:    onAccept,
	}
}

func (l *Listener) Start() error {
	adapter := &listenerAdapter{listener: l}
	opts := &transporttcp.Options{
		Address:   l.settings.SelfAddress,
		LogPrefix: fmt.Sprintf("%s-listen", l.settings.LogPrefix),
		LogDebug:  l.settings.LogDebug,
		Protocol:  adapter,
	}

	server, err := transporttcp.NewTcpServer(opts)
	if err != nil {
		return err
	}
	l.server = server
	return nil
}

func (l *Listener) Shutdown() {
	if l.server != nil {
		l.server.Shutdown()
	}
}

type listenerAdapter struct {
	listener *Listener
}

func (a *listenerAdapter) ReadLoop(netConn net.Conn) {
	l := a.listener
	c := NewConnection(l.w, l.budget, l.registry, l.settings, messages.ClientPeer(0), ClassClient, false)

	// as with the dial side, adoption runs on the Worker goroutine;
	// onAccept typically assigns the ClientID and registers the
	// Connection with the Sender.
	connected := make(chan error, 1)
	if err := l.w.Add(func() {
		err := c.Connect(netConn)
		if err == nil && l.onAccept != nil {
			l.onAccept(c)
		}
		connected <- err
	}); err != nil {
		netConn.Close()
		return
	}
	if err := <-connected; err != nil {
		netConn.Close()
		return
	}
	c.ReadLoop(l.handleFrame)
}
