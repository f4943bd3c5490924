package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWritesLogAndReportsLiveness(t *testing.T) {
	e := New(t.TempDir())
	require.NoError(t, e.Start(`sh -c "echo epoch 1; sleep 30"`))
	require.True(t, e.IsProcessRunning())

	require.Eventually(t, func() bool {
		return strings.Contains(e.GetLog(), "epoch 1")
	}, 5*time.Second, 20*time.Millisecond)

	e.Stop()
	assert.False(t, e.IsProcessRunning())
}

func TestShortLivedProcessIsNotRunning(t *testing.T) {
	e := New(t.TempDir())
	require.NoError(t, e.Start(`sh -c "echo done"`))

	require.Eventually(t, func() bool {
		return !e.IsProcessRunning()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, e.GetLog(), "done")
}

func TestStopIsIdempotent(t *testing.T) {
	e := New(t.TempDir())
	e.Stop() // nothing started yet

	require.NoError(t, e.Start("sleep 30"))
	e.Stop()
	e.Stop()
	assert.False(t, e.IsProcessRunning())
}

func TestStartRejectsSecondProcess(t *testing.T) {
	e := New(t.TempDir())
	require.NoError(t, e.Start("sleep 30"))
	defer e.Stop()

	err := e.Start("sleep 30")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already runs")
}

func TestStartRejectsMalformedCommand(t *testing.T) {
	e := New(t.TempDir())
	assert.Error(t, e.Start(""))
	assert.Error(t, e.Start(`sh -c "unbalanced`))
}

func TestLogAppendsAcrossRuns(t *testing.T) {
	e := New(t.TempDir())
	require.NoError(t, e.Start(`sh -c "echo first"`))
	require.Eventually(t, func() bool { return !e.IsProcessRunning() }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Start(`sh -c "echo second"`))
	require.Eventually(t, func() bool { return !e.IsProcessRunning() }, 5*time.Second, 20*time.Millisecond)

	log := e.GetLog()
	assert.Contains(t, log, "first")
	assert.Contains(t, log, "second")
}
