// Command logdeviced runs one messaging-core node: a Worker owning a
// Sender, a Dialer/Listener pair wired to the cluster configuration view,
// and a badger-backed versioned config store.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/RakhithJK/LogDevice/clusterconfig"
	"github.com/RakhithJK/LogDevice/config"
	"github.com/RakhithJK/LogDevice/configstore"
	"github.com/RakhithJK/LogDevice/conn"
	"github.com/RakhithJK/LogDevice/logging"
	"github.com/RakhithJK/LogDevice/messages"
	"github.com/RakhithJK/LogDevice/sender"
	"github.com/RakhithJK/LogDevice/throttle"
	"github.com/RakhithJK/LogDevice/worker"
)

// requestTypeAppend is the registry bucket for in-flight record appends
// awaiting STORED replies.
const requestTypeAppend worker.RequestType = 1

func main() {
	host := flag.String("host", "", "this node's hostname")
	instance := flag.String("instance", "", "this node's instance identifier")
	selfAddress := flag.String("selfaddress", "", "address to listen on, host:port")
	selfIndex := flag.Uint("selfindex", 0, "this node's NodeID index")
	clusterName := flag.String("clustername", "", "cluster name advertised on handshake")
	dataDir := flag.String("datadir", "./logdevice-data", "badger data directory for the config store")
	logDebug := flag.Bool("logdebug", false, "enable debug logging")
	flag.Parse()

	if *logDebug {
		logging.Logger().SetLevel(logrus.DebugLevel)
	}

	c := &config.Settings{
		Host:                           *host,
		Instance:                       *instance,
		SelfAddress:                    *selfAddress,
		SelfIndex:                      uint32(*selfIndex),
		SelfGeneration:                 1,
		OutbufsMbMaxServer:             64,
		OutbufsMbMaxClient:             64,
		OutbufSocketMinKb:              config.OutbufSocketMinKb,
		OutbufsLimitPerPeerTypeEnabled: true,
		MinProtocolVersion:             messages.MinProtocolSupported,
		MaxProtocolVersion:             messages.MaxProtocolSupported,
		ClusterName:                    *clusterName,
		IncludeClusterNameOnHandshake:  true,
		LogPrefix:                      fmt.Sprintf("logdeviced-%s", *instance),
		LogDebug:                       *logDebug,
	}
	if err := c.Validate(); err != nil {
		logging.For(c.LogPrefix).Fatalf("invalid config: %s", err.Error())
	}

	db, err := badger.Open(badger.DefaultOptions(*dataDir).WithLogger(nil))
	if err != nil {
		logging.For(c.LogPrefix).Fatalf("failed to open config store: %s", err.Error())
	}
	defer db.Close()

	store, err := configstore.NewStore(&configstore.Options{
		DB:             db,
		ExtractVersion: extractVersion,
		LogPrefix:      c.LogPrefix + "-store",
	})
	if err != nil {
		logging.For(c.LogPrefix).Fatalf("failed to construct config store: %s", err.Error())
	}

	view := clusterconfig.NewView(clusterconfig.NewSnapshot(*clusterName, 1, map[uint32]struct {
		Address    clusterconfig.SocketAddress
		Generation uint32
	}{
		uint32(*selfIndex): {Address: clusterconfig.SocketAddress(*selfAddress), Generation: 1},
	}))

	w := worker.NewWorker(c)
	defer w.Shutdown()

	s := sender.NewSender(&sender.Options{
		Worker:                         w,
		View:                           view,
		OutbufsMbMaxServer:             c.OutbufsMbMaxServer,
		OutbufsMbMaxClient:             c.OutbufsMbMaxClient,
		OutbufSocketMinKb:              c.OutbufSocketMinKb,
		OutbufsLimitPerPeerTypeEnabled: c.OutbufsLimitPerPeerTypeEnabled,
		LogPrefix:                      c.LogPrefix,
	})

	handleFrame := func(owner *conn.Connection, msg *messages.Message) {
		switch msg.Type() {
		case messages.TypeHello:
			owner.OnHelloReceived(msg.Hello, c.MinProtocolVersion, c.MaxProtocolVersion, msg.Txseq, 0)
		case messages.TypeAck:
			owner.OnAck(msg.Ack)
		case messages.TypeStored:
			w.DeliverReply(requestTypeAppend, owner.Peer(), worker.RequestID(msg.Stored.Rqid), msg)
		case messages.TypePing:
			owner.Send(&messages.Message{Pong: &messages.Pong{Nonce: msg.Ping.Nonce}}, nil, nil)
		default:
			logging.For(c.LogPrefix).WithField("type", msg.Type().String()).Debug("application frame received")
		}
	}

	connectThrottle := throttle.NewThrottle(c.ConnectThrottleInitialOrDefault(), c.ConnectThrottleMaxOrDefault())
	dialer := conn.NewDialer(w, s, s, c, view, handleFrame, connectThrottle)
	s.SetDialer(dialer)
	listener := conn.NewListener(w, s, s, c, handleFrame, func(accepted *conn.Connection) {
		clientID := s.AdoptInbound(accepted)
		logging.For(c.LogPrefix).WithField("clientID", clientID).Info("accepted inbound connection")
	})
	if err := listener.Start(); err != nil {
		logging.For(c.LogPrefix).Fatalf("failed to start listener: %s", err.Error())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.For(c.LogPrefix).Info("shutting down")

	listener.Shutdown()
	dialer.Shutdown()

	// socket teardown mutates Sender and Connection state, which only the
	// Worker goroutine may touch; post it there and wait for the drain
	// before the deferred w.Shutdown joins the scheduler.
	drained := make(chan struct{})
	if err := w.Add(func() {
		s.ShutdownSockets()
		close(drained)
	}); err == nil {
		<-drained
	}

	store.Shutdown()
}

// extractVersion interprets stored config bytes as an 8-byte little-endian
// version prefix followed by the value payload, the simplest scheme a
// caller of configstore.Store can supply.
func extractVersion(value []byte) (uint64, bool) {
	if len(value) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(value[:8]), true
}
