package proxy

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/nettest"
)

type relayHarness struct {
	client   *nettest.MessageConn // the bridge's inbound end
	peer     *nettest.MessageConn // what the inbound client holds
	server   net.Conn             // the bridge's outbound end
	upstream net.Conn             // what the upstream holds

	teardowns atomic.Int32
	teardown  func()
}

func newRelayHarness() *relayHarness {
	h := &relayHarness{}
	h.peer, h.client = nettest.MessagePipe(16)
	h.server, h.upstream = net.Pipe()
	var once sync.Once
	h.teardown = func() {
		h.teardowns.Add(1)
		once.Do(func() {
			h.server.Close()
			h.client.Close()
		})
	}
	return h
}

func (h *relayHarness) close() {
	h.peer.Close()
	h.upstream.Close()
}

func TestServerToClientFIFO(t *testing.T) {
	logrus.SetLevel(logrus.DebugLevel)
	h := newRelayHarness()
	defer h.close()

	g := MessageProxy(h.client, h.server, h.teardown, Config{Limits: frame.DefaultLimits()})

	for _, m := range []string{"m1", "m2", "m3"} {
		assert.NilError(t, frame.Write(h.upstream, []byte(m), frame.DefaultLimits()))
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		got, err := h.peer.ReadMessage()
		assert.NilError(t, err)
		assert.Equal(t, string(got), want)
	}

	h.upstream.Close()
	err := g.Wait()
	assert.Check(t, errors.Is(err, frame.ErrShortFrame), "got %v", err)
	assert.Check(t, errors.Is(err, io.EOF))
	assert.Equal(t, h.client.Closes(), 1)
}

func TestClientToServerFIFO(t *testing.T) {
	h := newRelayHarness()
	defer h.close()

	// Queued before the relay starts; must not be lost.
	assert.NilError(t, h.peer.WriteMessage([]byte(`{"n":1}`)))
	assert.NilError(t, h.peer.WriteMessage([]byte(`{"n":2}`)))

	g := MessageProxy(h.client, h.server, h.teardown, Config{Limits: frame.DefaultLimits()})
	assert.NilError(t, h.peer.WriteMessage([]byte(`{"n":3}`)))

	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		got, err := frame.ReadText(h.upstream, frame.DefaultLimits())
		assert.NilError(t, err)
		assert.Equal(t, got, want)
	}

	h.peer.Close()
	err := g.Wait()
	assert.Check(t, errors.Is(err, io.EOF), "got %v", err)

	// Teardown closed the upstream side.
	_, err = h.upstream.Read(make([]byte, 1))
	assert.Check(t, errors.Is(err, io.EOF))
}

func TestInvalidUTF8FromClient(t *testing.T) {
	h := newRelayHarness()
	defer h.close()

	g := MessageProxy(h.client, h.server, h.teardown, Config{Limits: frame.DefaultLimits()})
	assert.NilError(t, h.peer.WriteMessage([]byte{0xff, 0xfe, 0xfd}))

	err := g.Wait()
	assert.Check(t, errors.Is(err, frame.ErrInvalidUTF8), "got %v", err)
	assert.Check(t, h.teardowns.Load() >= 1)
}

func TestFirstErrorEndsRelay(t *testing.T) {
	// The direction unblocked by teardown fails too; its error must never
	// replace the one that caused the teardown.
	for i := 0; i < 50; i++ {
		h := newRelayHarness()
		g := MessageProxy(h.client, h.server, h.teardown, Config{Limits: frame.DefaultLimits()})
		assert.NilError(t, h.peer.WriteMessage([]byte{0xc3}))

		err := g.Wait()
		assert.Assert(t, errors.Is(err, frame.ErrInvalidUTF8), "run %d: got %v", i, err)
		_, err = h.upstream.Read(make([]byte, 1))
		assert.Check(t, errors.Is(err, io.EOF), "run %d: got %v", i, err)
		h.close()
	}
}

func TestOversizeFrameFromServer(t *testing.T) {
	h := newRelayHarness()
	defer h.close()

	limits := frame.Limits{MaxPayloadBytes: 4}
	g := MessageProxy(h.client, h.server, h.teardown, Config{Limits: limits})
	go h.upstream.Write([]byte{0, 0, 1, 0})

	err := g.Wait()
	assert.Check(t, errors.Is(err, frame.ErrFrameTooLarge), "got %v", err)
}

func TestOnMessage(t *testing.T) {
	h := newRelayHarness()
	defer h.close()

	var mu sync.Mutex
	counts := map[Direction]int{}
	bytes := map[Direction]int{}
	g := MessageProxy(h.client, h.server, h.teardown, Config{
		Limits: frame.DefaultLimits(),
		OnMessage: func(d Direction, n int) {
			mu.Lock()
			defer mu.Unlock()
			counts[d]++
			bytes[d] += n
		},
	})

	assert.NilError(t, h.peer.WriteMessage([]byte("hello")))
	_, err := frame.Read(h.upstream, frame.DefaultLimits())
	assert.NilError(t, err)
	assert.NilError(t, frame.Write(h.upstream, []byte("hi"), frame.DefaultLimits()))
	_, err = h.peer.ReadMessage()
	assert.NilError(t, err)

	h.upstream.Close()
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, counts[ClientToServer], 1)
	assert.Equal(t, bytes[ClientToServer], 5)
	assert.Equal(t, counts[ServerToClient], 1)
	assert.Equal(t, bytes[ServerToClient], 2)
}

func TestIdleTimeout(t *testing.T) {
	h := newRelayHarness()
	defer h.close()

	g := MessageProxy(h.client, h.server, h.teardown, Config{
		Limits:      frame.DefaultLimits(),
		IdleTimeout: 20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		assert.Check(t, errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not time out")
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, ClientToServer.String(), "client_to_server")
	assert.Equal(t, ServerToClient.String(), "server_to_client")
	assert.Equal(t, Direction(7).String(), "direction(7)")
}
