package loop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientURLs(t *testing.T) {
	c := NewClient("preview.learning-loop.ai")
	assert.Equal(t, "http://preview.learning-loop.ai/api", c.BaseURL())
	assert.Equal(t, "ws://preview.learning-loop.ai", c.WebsocketURL())

	c = NewClient("https://loop.example.com/")
	assert.Equal(t, "https://loop.example.com/api", c.BaseURL())
	assert.Equal(t, "wss://loop.example.com", c.WebsocketURL())
}

func TestClientGetWithBasicAuth(t *testing.T) {
	t.Setenv("LOOP_USERNAME", "trainer")
	t.Setenv("LOOP_PASSWORD", "secret")

	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		assert.Equal(t, "/api/zauberzeug/projects/demo/data", r.URL.Path)
		w.Write([]byte(`{"image_ids":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Get(context.Background(), "/zauberzeug/projects/demo/data")
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
	assert.NoError(t, resp.CheckOK("fetch data"))
	assert.True(t, gotOK)
	assert.Equal(t, "trainer", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestClientCheckOKOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Post(context.Background(), "/x", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, resp.IsOK())
	err = resp.CheckOK("post detections")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Get(context.Background(), "/flaky")
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
	assert.Equal(t, 3, attempts)
}

func TestPutFiles(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "model.pt")
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		files := r.MultipartForm.File["files"]
		require.Len(t, files, 1)
		assert.Equal(t, "model.pt", files[0].Filename)
		w.Write([]byte(`{"id":"m1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.PutFiles(context.Background(), "/models", []string{weights})
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
}
