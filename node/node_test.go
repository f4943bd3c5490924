package node_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zauberzeug/loopnode/config"
	"github.com/zauberzeug/loopnode/internal/testloop"
	"github.com/zauberzeug/loopnode/node"
	"github.com/zauberzeug/loopnode/types"
)

type countingSender struct {
	calls atomic.Int64
}

func (s *countingSender) SendStatus(context.Context) error {
	s.calls.Add(1)
	return nil
}

func newTestConfig(t *testing.T, host string) *config.Config {
	return &config.Config{
		Host:         host,
		Organization: "zauberzeug",
		Project:      "demo",
		DataFolder:   t.TempDir(),
	}
}

func TestIdentitySurvivesRestart(t *testing.T) {
	stub := testloop.New(t)
	cfg := newTestConfig(t, stub.URL())

	first, err := node.New("n", cfg)
	require.NoError(t, err)
	second, err := node.New("n", cfg)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
	assert.NotEmpty(t, first.UUID)
}

func TestConnectTransitionsToIdleAndSendsStatus(t *testing.T) {
	stub := testloop.New(t)
	cfg := newTestConfig(t, stub.URL())

	n, err := node.New("n", cfg)
	require.NoError(t, err)
	sender := &countingSender{}
	n.SetStatusSender(sender)

	assert.Equal(t, types.NodeStateOffline, n.State())
	n.Start(context.Background())
	t.Cleanup(n.Stop)

	require.Eventually(t, func() bool {
		return n.State() == types.NodeStateIdle && sender.calls.Load() >= 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Greater(t, n.Uptime(), 0.0)
}

func TestDisconnectGoesOffline(t *testing.T) {
	stub := testloop.New(t)
	cfg := newTestConfig(t, stub.URL())

	n, err := node.New("n", cfg)
	require.NoError(t, err)
	n.Start(context.Background())
	t.Cleanup(n.Stop)

	require.Eventually(t, func() bool { return n.Channel.Connected() }, 10*time.Second, 10*time.Millisecond)
	n.Channel.Disconnect()
	require.Eventually(t, func() bool {
		return n.State() == types.NodeStateOffline
	}, 10*time.Second, 10*time.Millisecond)
}
