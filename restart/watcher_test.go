package restart

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReturnsOnTouchedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "restart")

	result := make(chan error, 1)
	go func() {
		result <- Watch(context.Background(), dir)
	}()

	// Give the watcher a moment to register before touching the file.
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "now"), []byte("x"), 0o644))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher did not observe the touched file")
	}
}

func TestWatchHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- Watch(ctx, filepath.Join(t.TempDir(), "restart"))
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not honor cancellation")
	}
}
