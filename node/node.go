// Package node provides the shared lifecycle of every worker node: a
// persistent identity, a reconnecting event channel and periodic status
// dispatch. Role-specific nodes (trainer, detector) embed Node and implement
// StatusSender.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/logger"
	"github.com/zauberzeug/loopnode/loop"
	"github.com/zauberzeug/loopnode/persist"
	"github.com/zauberzeug/loopnode/types"
)

// connectInterval is how often the reconnector ensures the event channel is
// up.
const connectInterval = 10 * time.Second

// StatusSender shapes the role-specific status payload. The node base calls
// through this interface instead of duck-typing into its subclass.
type StatusSender interface {
	SendStatus(ctx context.Context) error
}

// Node is the base of every worker node.
type Node struct {
	Name string
	UUID string

	Config  *config.Config
	Client  *loop.Client
	Channel *loop.Channel

	log       *zap.SugaredLogger
	startTime time.Time

	mu     sync.Mutex
	state  types.NodeState
	sender StatusSender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node with a persistent identity read from (or written to)
// the data folder.
func New(name string, cfg *config.Config) (*Node, error) {
	uuid, err := persist.NodeUUID(cfg.DataFolder)
	if err != nil {
		return nil, err
	}

	client := loop.NewClient(cfg.Host)
	n := &Node{
		Name:      name,
		UUID:      uuid,
		Config:    cfg,
		Client:    client,
		Channel:   loop.NewChannel(client),
		log:       logger.Named("node"),
		startTime: time.Now(),
		state:     types.NodeStateOffline,
	}

	n.Channel.OnConnect(func() {
		n.SetState(context.Background(), types.NodeStateIdle)
	})
	n.Channel.OnDisconnect(func() {
		n.mu.Lock()
		n.state = types.NodeStateOffline
		n.mu.Unlock()
	})
	return n, nil
}

// SetStatusSender wires the role-specific status implementation. Must be
// called before Start.
func (n *Node) SetStatusSender(sender StatusSender) {
	n.sender = sender
}

// Start connects to the loop and keeps the connection alive with a periodic
// reconnector until the context is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go n.reconnector(runCtx)
}

// Stop disconnects and waits for the reconnector to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.Channel.Disconnect()
	n.wg.Wait()
}

// reconnector ensures the event channel is connected, first immediately and
// then every ten seconds. Connect failures are logged and retried forever.
func (n *Node) reconnector(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(connectInterval)
	defer ticker.Stop()

	for {
		if err := n.Channel.EnsureConnected(ctx); err != nil {
			n.log.Warnw("could not connect to loop", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// State returns the node's current lifecycle state.
func (n *Node) State() types.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState transitions the node and sends a status unless the node went
// offline (there is nobody to tell).
func (n *Node) SetState(ctx context.Context, state types.NodeState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()

	if state == types.NodeStateOffline || n.sender == nil {
		return
	}
	if err := n.sender.SendStatus(ctx); err != nil {
		n.log.Warnw("could not send status", "state", state, "error", err)
	}
}

// Uptime returns the seconds since the node started.
func (n *Node) Uptime() float64 {
	return time.Since(n.startTime).Seconds()
}
