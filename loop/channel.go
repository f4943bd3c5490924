package loop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
	"github.com/zauberzeug/loopnode/types"
)

// Websocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Model snapshots and status payloads stay well below this
	maxMessageSize = 4 * 1024 * 1024

	// Default reply timeout for Call
	defaultCallTimeout = 30 * time.Second
)

// ChannelPath is the websocket endpoint on the loop host.
const ChannelPath = "/ws/socket.io"

// Handler processes one inbound event and produces the reply sent back to the
// loop. Handlers run on their own goroutine; a slow handler does not stall
// the read pump.
type Handler func(ctx context.Context, args json.RawMessage) types.SocketResponse

// envelope is the wire frame of the event channel. A call carries an event
// name and arguments; an ack carries the response for a previously received
// call id.
type envelope struct {
	Kind     string                `json:"kind"` // "call" or "ack"
	ID       uint64                `json:"id,omitempty"`
	Event    string                `json:"event,omitempty"`
	Args     json.RawMessage       `json:"args,omitempty"`
	Response *types.SocketResponse `json:"response,omitempty"`
}

// Channel is the bidirectional event channel to the Learning Loop. It
// reconnects on demand (the node's connect ticker calls EnsureConnected) and
// exposes request/response semantics over the socket via Call.
type Channel struct {
	client *Client
	log    *zap.SugaredLogger

	mu        sync.Mutex // guards conn, send and the pending map
	conn      *websocket.Conn
	send      chan envelope
	closed    chan struct{}
	pending   map[uint64]chan types.SocketResponse
	connected atomic.Bool
	nextID    atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onConnect    func()
	onDisconnect func()
}

// NewChannel creates an event channel for the given loop client. No
// connection is made until EnsureConnected is called.
func NewChannel(client *Client) *Channel {
	return &Channel{
		client:   client,
		log:      logger.Named("channel"),
		handlers: map[string]Handler{},
		pending:  map[uint64]chan types.SocketResponse{},
	}
}

// OnEvent registers the handler for an inbound event. Registration must
// happen before the first connect.
func (ch *Channel) OnEvent(event string, handler Handler) {
	ch.handlersMu.Lock()
	defer ch.handlersMu.Unlock()
	ch.handlers[event] = handler
}

// OnConnect registers the hook invoked after every successful connect.
func (ch *Channel) OnConnect(fn func()) { ch.onConnect = fn }

// OnDisconnect registers the hook invoked after every connection loss.
func (ch *Channel) OnDisconnect(fn func()) { ch.onDisconnect = fn }

// Connected reports whether the channel currently holds a live connection.
func (ch *Channel) Connected() bool {
	return ch.connected.Load()
}

// EnsureConnected dials the loop if no connection is live. Errors are
// returned for logging but are never fatal; the caller retries on its next
// tick.
func (ch *Channel) EnsureConnected(ctx context.Context) error {
	if ch.Connected() {
		return nil
	}

	url := ch.client.WebsocketURL() + ChannelPath
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, AuthHeader())
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", url)
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.send = make(chan envelope, 16)
	ch.closed = make(chan struct{})
	ch.mu.Unlock()
	ch.connected.Store(true)

	go ch.readPump(conn)
	go ch.writePump(conn, ch.send, ch.closed)

	ch.log.Infow("connected to loop", "url", url)
	if ch.onConnect != nil {
		ch.onConnect()
	}
	return nil
}

// Disconnect closes the current connection, if any.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Call sends an event to the loop and waits for its reply.
func (ch *Channel) Call(ctx context.Context, event string, args interface{}) (types.SocketResponse, error) {
	if !ch.Connected() {
		return types.SocketResponse{}, errors.New("event channel is not connected")
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return types.SocketResponse{}, errors.Wrapf(err, "failed to marshal args for %s", event)
	}

	id := ch.nextID.Add(1)
	reply := make(chan types.SocketResponse, 1)
	ch.mu.Lock()
	ch.pending[id] = reply
	send := ch.send
	closed := ch.closed
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		delete(ch.pending, id)
		ch.mu.Unlock()
	}()

	env := envelope{Kind: "call", ID: id, Event: event, Args: payload}
	select {
	case send <- env:
	case <-closed:
		return types.SocketResponse{}, errors.New("event channel closed while sending")
	case <-ctx.Done():
		return types.SocketResponse{}, ctx.Err()
	}

	timer := time.NewTimer(defaultCallTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		return resp, nil
	case <-closed:
		return types.SocketResponse{}, errors.Newf("event channel closed while waiting for %s reply", event)
	case <-timer.C:
		return types.SocketResponse{}, errors.Newf("timeout waiting for %s reply", event)
	case <-ctx.Done():
		return types.SocketResponse{}, ctx.Err()
	}
}

// readPump reads frames until the connection dies, dispatching calls to
// handlers and acks to waiting callers.
func (ch *Channel) readPump(conn *websocket.Conn) {
	defer ch.teardown(conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				ch.log.Warnw("read error on event channel", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			ch.log.Warnw("discarding malformed frame", "error", err, "size", len(message))
			continue
		}

		switch env.Kind {
		case "call":
			go ch.dispatch(env)
		case "ack":
			ch.deliver(env)
		default:
			ch.log.Debugw("unknown frame kind", "kind", env.Kind)
		}
	}
}

// dispatch runs the handler for one inbound call and queues the ack.
func (ch *Channel) dispatch(env envelope) {
	ch.handlersMu.RLock()
	handler, ok := ch.handlers[env.Event]
	ch.handlersMu.RUnlock()

	var resp types.SocketResponse
	if ok {
		resp = handler(context.Background(), env.Args)
	} else {
		ch.log.Debugw("no handler for event", "event", env.Event)
		resp = types.Fail(errors.Newf("unknown event %q", env.Event))
	}

	ch.mu.Lock()
	send := ch.send
	closed := ch.closed
	ch.mu.Unlock()
	select {
	case send <- envelope{Kind: "ack", ID: env.ID, Response: &resp}:
	case <-closed:
	}
}

// deliver hands an ack to the waiting Call, if it is still waiting.
func (ch *Channel) deliver(env envelope) {
	ch.mu.Lock()
	reply, ok := ch.pending[env.ID]
	ch.mu.Unlock()
	if !ok {
		ch.log.Debugw("ack for unknown call id", "id", env.ID)
		return
	}
	resp := types.SocketResponse{}
	if env.Response != nil {
		resp = *env.Response
	}
	select {
	case reply <- resp:
	default:
	}
}

// writePump owns all writes on the connection.
func (ch *Channel) writePump(conn *websocket.Conn, send chan envelope, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				ch.log.Warnw("write error on event channel", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// teardown marks the channel disconnected and releases everyone waiting on it.
func (ch *Channel) teardown(conn *websocket.Conn) {
	conn.Close()

	ch.mu.Lock()
	if ch.conn != conn {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	close(ch.closed)
	ch.mu.Unlock()

	wasConnected := ch.connected.Swap(false)
	if wasConnected {
		ch.log.Infow("disconnected from loop")
		if ch.onDisconnect != nil {
			ch.onDisconnect()
		}
	}
}
