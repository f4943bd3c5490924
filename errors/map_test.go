package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapSetResetSnapshot(t *testing.T) {
	m := NewMap()
	assert.False(t, m.Has())

	m.Set("prepare", "HTTP 500")
	m.Set("run_training", "CUDA OOM")
	assert.True(t, m.Has("prepare"))
	assert.Equal(t, "CUDA OOM", m.Get("run_training"))

	snap := m.Snapshot()
	assert.Len(t, snap, 2)

	// Snapshot is a copy, later mutations do not leak into it
	m.Reset("prepare")
	assert.Equal(t, "HTTP 500", snap["prepare"])
	assert.False(t, m.Has("prepare"))
	assert.True(t, m.Has("prepare", "run_training"))

	m.ResetAll()
	assert.False(t, m.Has())
}
