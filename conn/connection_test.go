package conn

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RakhithJK/LogDevice/config"
	"github.com/RakhithJK/LogDevice/messages"
	"github.com/RakhithJK/LogDevice/worker"
)

// fakeBudget is an in-memory conn.Budget that admits unless admitOverride
// returns false, tracking
// reserved bytes per class so tests can assert budget conservation
// without a real Sender.
type fakeBudget struct {
	mu            sync.Mutex
	usedServer    int
	usedClient    int
	admitOverride func(class PeerClass, connID uint32, bytes int) bool
}

func (f *fakeBudget) TryReserve(class PeerClass, connID uint32, bytes int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitOverride != nil && !f.admitOverride(class, connID, bytes) {
		return false
	}
	if class == ClassServer {
		f.usedServer += bytes
	} else {
		f.usedClient += bytes
	}
	return true
}

func (f *fakeBudget) Release(class PeerClass, connID uint32, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if class == ClassServer {
		f.usedServer -= bytes
	} else {
		f.usedClient -= bytes
	}
}

type fakeRegistry struct {
	mu       sync.Mutex
	removed  []uint32
}

func (f *fakeRegistry) RemoveConnection(connID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, connID)
}

func testSettings() *config.Settings {
	return &config.Settings{
		Host:                "h",
		Instance:            "i",
		SelfAddress:         "127.0.0.1:0",
		OutbufSocketMinKb:   1,
		OutbufsMbMaxServer:  1,
		OutbufsMbMaxClient:  1,
		MinProtocolVersion:  messages.MinProtocolSupported,
		MaxProtocolVersion:  messages.MaxProtocolSupported,
		LogPrefix:           "test",
		HandshakeTimeout:    200,
	}
}

func drainPipe(t *testing.T, side net.Conn, stop <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		side.SetReadDeadline(time.Now().Add(time.Millisecond * 50))
		_, err := side.Read(buf)
		if err != nil && err != io.EOF {
			var netErr net.Error
			if ok := assertIsTimeout(err, &netErr); ok {
				continue
			}
			return
		}
		if err == io.EOF {
			return
		}
	}
}

func assertIsTimeout(err error, out *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok && ne.Timeout() {
		*out = ne
		return true
	}
	return false
}

func TestCloseIsIdempotentAndFiresCallbacksOnce(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	var onSentCount, onCloseCount int
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		outcome := c.Send(
			&messages.Message{Stored: &messages.Stored{Rqid: 1}},
			func(reason messages.CloseReason) {
				mu.Lock()
				onSentCount++
				mu.Unlock()
			},
			func(reason messages.CloseReason) {
				mu.Lock()
				onCloseCount++
				mu.Unlock()
			},
		)
		assert.Equal(t, SendQueued, outcome)

		c.Close(messages.CloseInternal)
		c.Close(messages.CloseInternal) // idempotent, must not double-fire

		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out waiting for worker closure")
	}

	// give the closure time to actually run on the worker goroutine
	time.Sleep(time.Millisecond * 50)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, onSentCount)
	assert.Equal(t, 1, onCloseCount)
}

func TestSendAfterCloseReturnsShutdown(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)
		c.Close(messages.CloseShutdown)

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, nil, nil)
		assert.Equal(t, SendShutdown, outcome)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}
}

func TestBudgetRejectionRetainsOwnership(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{
		admitOverride: func(class PeerClass, connID uint32, bytes int) bool {
			return false
		},
	}
	registry := &fakeRegistry{}

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)
		msg := &messages.Message{Stored: &messages.Stored{Rqid: 1}}
		outcome := c.Send(msg, nil, nil)
		assert.Equal(t, SendNoBufs, outcome)
		// caller still owns msg: it was never mutated or taken
		assert.NotNil(t, msg.Stored)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}
}

func TestHandshakeNegotiatesAndDrainsQueue(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var sentOK int
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 7}}, func(reason messages.CloseReason) {
			mu.Lock()
			if reason == messages.CloseUnspecified {
				sentOK++
			}
			mu.Unlock()
		}, nil)
		assert.Equal(t, SendQueued, outcome)
		assert.Equal(t, StateFresh, c.state)

		connErr := c.Connect(clientSide)
		require.Nil(t, connErr)
		assert.Equal(t, StateHandshakeSent, c.state)

		c.OnAck(&messages.Ack{Proto: messages.MinProtocolSupported, Status: messages.AckOk})
		assert.True(t, c.IsHandshaken())
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	time.Sleep(time.Millisecond * 100)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sentOK)
}

func TestQueuedSendsDrainInFIFOOrderOnHandshake(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var order []uint64
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		for _, rqid := range []uint64{1, 2, 3} {
			rqid := rqid
			outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: rqid}}, func(reason messages.CloseReason) {
				mu.Lock()
				order = append(order, rqid)
				mu.Unlock()
			}, nil)
			assert.Equal(t, SendQueued, outcome)
		}

		require.Nil(t, c.Connect(clientSide))
		c.OnAck(&messages.Ack{Proto: messages.MinProtocolSupported, Status: messages.AckOk})
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	time.Sleep(time.Millisecond * 100)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, order)
}

func TestAckProtoNoSupportFailsQueueAndCloses(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var gotReason messages.CloseReason
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, func(reason messages.CloseReason) {
			mu.Lock()
			gotReason = reason
			mu.Unlock()
		}, nil)
		assert.Equal(t, SendQueued, outcome)

		require.Nil(t, c.Connect(clientSide))
		c.OnAck(&messages.Ack{Status: messages.AckProtoNoSupport})

		assert.Equal(t, StateClosed, c.state)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, messages.CloseProtoNoSupport, gotReason)
}

func TestDrainSerializationQueueRejectsMessageAboveNegotiatedProto(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var lowReason, highReason messages.CloseReason
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		lowOutcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, func(reason messages.CloseReason) {
			mu.Lock()
			lowReason = reason
			mu.Unlock()
		}, nil)
		assert.Equal(t, SendQueued, lowOutcome)

		// this one demands a protocol version higher than what OnAck will
		// negotiate below, so drainSerializationQueue must reject it alone.
		highOutcome := c.Send(&messages.Message{Record: &messages.Record{
			Rqid:        2,
			MinProtocol: messages.MaxProtocolSupported,
			Payload:     []byte("x"),
		}}, func(reason messages.CloseReason) {
			mu.Lock()
			highReason = reason
			mu.Unlock()
		}, nil)
		assert.Equal(t, SendQueued, highOutcome)

		require.Nil(t, c.Connect(clientSide))
		c.OnAck(&messages.Ack{Proto: messages.MinProtocolSupported, Status: messages.AckOk})
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	time.Sleep(time.Millisecond * 100)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, messages.CloseUnspecified, lowReason)
	assert.Equal(t, messages.CloseProtoNoSupport, highReason)
}

func TestReentrantSendFromOnSentFiresBothExactlyOnce(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var firstFired, secondFired int
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		require.Nil(t, c.Connect(clientSide))
		c.OnAck(&messages.Ack{Proto: messages.MinProtocolSupported, Status: messages.AckOk})
		require.True(t, c.IsHandshaken())

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, func(reason messages.CloseReason) {
			mu.Lock()
			firstFired++
			mu.Unlock()

			// reentrant follow-up, issued from inside the first message's on-sent
			followOutcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 2}}, func(reason messages.CloseReason) {
				mu.Lock()
				secondFired++
				mu.Unlock()
			}, nil)
			assert.Equal(t, SendQueued, followOutcome)
		}, nil)
		assert.Equal(t, SendQueued, outcome)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	time.Sleep(time.Millisecond * 100)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, firstFired)
	assert.Equal(t, 1, secondFired)
}

func TestSendFromOnCloseCreatesNewConnectionWithDifferentIdentity(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	var oldConnPtr, newConnPtr *Connection
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)
		oldConnPtr = c

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, nil, func(reason messages.CloseReason) {
			// reentrant: from inside on-close, stand up a brand new Connection
			// to the same peer and send on it immediately. RemoveConnection
			// already ran before this fired, so a Sender-backed registry would
			// no longer resolve the peer to the closing Connection.
			fresh := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)
			mu.Lock()
			newConnPtr = fresh
			mu.Unlock()

			freshOutcome := fresh.Send(&messages.Message{Stored: &messages.Stored{Rqid: 2}}, nil, nil)
			assert.Equal(t, SendQueued, freshOutcome)
		})
		assert.Equal(t, SendQueued, outcome)

		c.Close(messages.CloseInternal)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, newConnPtr)
	assert.NotSame(t, oldConnPtr, newConnPtr)
	assert.NotEqual(t, oldConnPtr.ConnID(), newConnPtr.ConnID())
}

func TestSendOnInboundBeforeHandshakeIsUnreachable(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, clientSide, stop)

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ClientPeer(1), ClassClient, false)
		require.Nil(t, c.Connect(serverSide))

		// the peer never said HELLO; nothing this side does can complete
		// the handshake, so the send must fail synchronously
		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, nil, nil)
		assert.Equal(t, SendUnreachable, outcome)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}
}

func TestCancelledMessageIsDroppedAtWireStage(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var gotReason messages.CloseReason
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		msg := &messages.Message{Stored: &messages.Stored{Rqid: 1}}
		msg.Cancelled = true
		outcome := c.Send(msg, func(reason messages.CloseReason) {
			mu.Lock()
			gotReason = reason
			mu.Unlock()
		}, nil)
		assert.Equal(t, SendQueued, outcome)

		require.Nil(t, c.Connect(clientSide))
		c.OnAck(&messages.Ack{Proto: messages.MinProtocolSupported, Status: messages.AckOk})
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}

	time.Sleep(time.Millisecond * 50)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, messages.CloseCancelled, gotReason)

	budget.mu.Lock()
	defer budget.mu.Unlock()
	assert.Equal(t, 0, budget.usedServer)
}

func TestOnHelloReceivedRejectsWrongClusterName(t *testing.T) {
	settings := testSettings()
	settings.ClusterName = "cluster-a"

	w := worker.NewWorker(settings)
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, clientSide, stop)

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, settings, messages.ClientPeer(1), ClassClient, false)
		require.Nil(t, c.Connect(serverSide))

		c.OnHelloReceived(&messages.Hello{
			ProtoMin:    messages.MinProtocolSupported,
			ProtoMax:    messages.MaxProtocolSupported,
			ClusterName: "cluster-b",
		}, messages.MinProtocolSupported, messages.MaxProtocolSupported, 0, 0)

		assert.Equal(t, StateClosed, c.state)
		assert.Equal(t, messages.CloseInvalidCluster, c.closeReason)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}
}

func TestOnHelloReceivedRejectsWrongDestination(t *testing.T) {
	settings := testSettings()
	settings.SelfIndex = 3
	settings.SelfGeneration = 1

	w := worker.NewWorker(settings)
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, clientSide, stop)

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, settings, messages.ClientPeer(1), ClassClient, false)
		require.Nil(t, c.Connect(serverSide))

		c.OnHelloReceived(&messages.Hello{
			ProtoMin:         messages.MinProtocolSupported,
			ProtoMax:         messages.MaxProtocolSupported,
			HasDestination:   true,
			DestinationIndex: 4, // addressed to a different node
			DestinationGen:   1,
		}, messages.MinProtocolSupported, messages.MaxProtocolSupported, 0, 0)

		assert.Equal(t, StateClosed, c.state)
		assert.Equal(t, messages.CloseDestinationMismatch, c.closeReason)
		close(done)
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("timed out")
	}
}

func TestHandshakeTimeoutClosesWithTimedOut(t *testing.T) {
	w := worker.NewWorker(testSettings())
	defer w.Shutdown()

	budget := &fakeBudget{}
	registry := &fakeRegistry{}

	clientSide, serverSide := net.Pipe()
	stop := make(chan struct{})
	defer close(stop)
	go drainPipe(t, serverSide, stop)

	var sentReason, closeReason messages.CloseReason
	var mu sync.Mutex

	done := make(chan struct{})
	err := w.Add(func() {
		c := NewConnection(w, budget, registry, testSettings(), messages.ServerPeer(messages.NodeID{Index: 1}), ClassServer, true)

		outcome := c.Send(&messages.Message{Stored: &messages.Stored{Rqid: 1}}, func(reason messages.CloseReason) {
			mu.Lock()
			sentReason = reason
			mu.Unlock()
		}, func(reason messages.CloseReason) {
			mu.Lock()
			closeReason = reason
			mu.Unlock()
			close(done)
		})
		assert.Equal(t, SendQueued, outcome)

		// the peer accepts TCP but never ACKs; the handshake timer
		// (200ms in testSettings) must close the connection
		require.Nil(t, c.Connect(clientSide))
	})
	require.Nil(t, err)

	select {
	case <-done:
	case <-time.After(time.Second * 2):
		t.Fatal("handshake timeout never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, messages.CloseTimedOut, sentReason)
	assert.Equal(t, messages.CloseTimedOut, closeReason)
}
