package loop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zauberzeug/loopnode/types"
)

// loopStub is a minimal in-process loop endpoint speaking the channel frame
// protocol. Calls from the node are answered by reply; CallNode lets tests
// drive events into the node.
type loopStub struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	writeMu  sync.Mutex // gorilla allows one concurrent writer
	conn     *websocket.Conn
	received []envelope
	reply    func(event string, args json.RawMessage) types.SocketResponse
	pending  map[uint64]chan types.SocketResponse
	nextID   uint64
}

func newLoopStub(t *testing.T) *loopStub {
	stub := &loopStub{t: t, pending: map[uint64]chan types.SocketResponse{}}
	stub.reply = func(string, json.RawMessage) types.SocketResponse { return types.Ok() }

	upgrader := websocket.Upgrader{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ChannelPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		stub.mu.Lock()
		stub.conn = conn
		stub.mu.Unlock()
		stub.serve(conn)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *loopStub) serve(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		switch env.Kind {
		case "call":
			s.mu.Lock()
			s.received = append(s.received, env)
			reply := s.reply
			s.mu.Unlock()
			resp := reply(env.Event, env.Args)
			s.writeMu.Lock()
			conn.WriteJSON(envelope{Kind: "ack", ID: env.ID, Response: &resp})
			s.writeMu.Unlock()
		case "ack":
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok && env.Response != nil {
				ch <- *env.Response
			}
		}
	}
}

// CallNode sends an event to the connected node and waits for its reply.
func (s *loopStub) CallNode(event string, args interface{}) types.SocketResponse {
	payload, err := json.Marshal(args)
	require.NoError(s.t, err)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	reply := make(chan types.SocketResponse, 1)
	s.pending[id] = reply
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(s.t, conn, "node is not connected")

	s.writeMu.Lock()
	err = conn.WriteJSON(envelope{Kind: "call", ID: id, Event: event, Args: payload})
	s.writeMu.Unlock()
	require.NoError(s.t, err)
	select {
	case resp := <-reply:
		return resp
	case <-time.After(5 * time.Second):
		s.t.Fatalf("timeout waiting for node reply to %s", event)
		return types.SocketResponse{}
	}
}

func (s *loopStub) Received(event string) []envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope
	for _, env := range s.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func newTestChannel(t *testing.T, stub *loopStub) *Channel {
	ch := NewChannel(NewClient(stub.server.URL))
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestChannelCallRoundtrip(t *testing.T) {
	stub := newLoopStub(t)
	stub.reply = func(event string, args json.RawMessage) types.SocketResponse {
		assert.Equal(t, "update_trainer", event)
		return types.SocketResponse{Success: true}
	}

	ch := newTestChannel(t, stub)
	require.NoError(t, ch.EnsureConnected(context.Background()))
	require.True(t, ch.Connected())

	resp, err := ch.Call(context.Background(), "update_trainer", map[string]string{"id": "n1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, stub.Received("update_trainer"), 1)
}

func TestChannelInboundEventDispatch(t *testing.T) {
	stub := newLoopStub(t)
	ch := newTestChannel(t, stub)

	var gotArgs []json.RawMessage
	ch.OnEvent("stop_training", func(_ context.Context, args json.RawMessage) types.SocketResponse {
		gotArgs = append(gotArgs, args)
		return types.Ok()
	})
	require.NoError(t, ch.EnsureConnected(context.Background()))

	resp := stub.CallNode("stop_training", nil)
	assert.True(t, resp.Success)
	assert.Len(t, gotArgs, 1)

	// Unknown events are answered, not dropped
	resp = stub.CallNode("no_such_event", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown event")
}

func TestChannelDisconnectCallbacksAndReconnect(t *testing.T) {
	stub := newLoopStub(t)
	ch := newTestChannel(t, stub)

	var mu sync.Mutex
	connects, disconnects := 0, 0
	ch.OnConnect(func() { mu.Lock(); connects++; mu.Unlock() })
	ch.OnDisconnect(func() { mu.Lock(); disconnects++; mu.Unlock() })

	require.NoError(t, ch.EnsureConnected(context.Background()))
	ch.Disconnect()

	require.Eventually(t, func() bool { return !ch.Connected() }, 2*time.Second, 10*time.Millisecond)

	// EnsureConnected re-dials after a drop
	require.NoError(t, ch.EnsureConnected(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2 && disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelCallWhileDisconnected(t *testing.T) {
	stub := newLoopStub(t)
	ch := newTestChannel(t, stub)

	_, err := ch.Call(context.Background(), "update_trainer", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
