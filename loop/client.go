// Package loop is the transport to the Learning Loop: authenticated HTTP for
// artifact transfer and a persistent event channel for commands and status.
package loop

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
)

const apiPrefix = "/api"

// Client issues authenticated HTTP requests against the Learning Loop API.
// Credentials are read from the environment on every request so a rotated
// password is picked up without restarting the node.
type Client struct {
	host string
	http *retryablehttp.Client
	log  *zap.SugaredLogger
}

// Response is the outcome of one HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// IsOK reports whether the loop answered with HTTP 200.
func (r *Response) IsOK() bool {
	return r.StatusCode == http.StatusOK
}

// CheckOK turns any non-200 response into an error carrying the body text.
func (r *Response) CheckOK(operation string) error {
	if r.IsOK() {
		return nil
	}
	return errors.Newf("%s: loop responded %d: %s", operation, r.StatusCode, truncate(string(r.Body), 500))
}

// NewClient creates a client for the given loop host. The host may carry an
// explicit scheme; plain host names default to http.
func NewClient(host string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = nil // retries are logged through our own logger below

	c := &Client{
		host: host,
		http: rc,
		log:  logger.Named("loop"),
	}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.log.Warnw("retrying loop request", "method", req.Method, "url", req.URL.String(), "attempt", attempt)
		}
	}
	return c
}

// BaseURL returns the HTTP base of the loop API, e.g. http://host/api.
func (c *Client) BaseURL() string {
	return c.httpOrigin() + apiPrefix
}

// WebsocketURL returns the ws(s) origin of the loop host.
func (c *Client) WebsocketURL() string {
	origin := c.httpOrigin()
	if strings.HasPrefix(origin, "https://") {
		return "wss://" + strings.TrimPrefix(origin, "https://")
	}
	return "ws://" + strings.TrimPrefix(origin, "http://")
}

func (c *Client) httpOrigin() string {
	if strings.Contains(c.host, "://") {
		return strings.TrimSuffix(c.host, "/")
	}
	return "http://" + strings.TrimSuffix(c.host, "/")
}

// AuthHeader returns the basic-auth header for the current credentials.
// Fetched lazily so credential rotation is picked up across reconnects.
func AuthHeader() http.Header {
	username := firstEnv("LOOP_USERNAME", "USERNAME")
	password := firstEnv("LOOP_PASSWORD", "PASSWORD")
	header := http.Header{}
	if username != "" {
		req := &http.Request{Header: header}
		req.SetBasicAuth(username, password)
	}
	return header
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Get issues a GET against an API path (e.g. /zauberzeug/projects/demo/data).
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

// Post issues a POST with a JSON body against an API path.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, "application/json", body)
}

// Put issues a PUT with a JSON body against an API path.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, "application/json", body)
}

// Delete issues a DELETE against an API path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, "", nil)
}

// PutFiles uploads the given files as one multipart PUT request. Every file
// lands in a `files` form field named after its base name.
func (c *Client) PutFiles(ctx context.Context, path string, files []string) (*Response, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, file := range files {
		if err := appendFilePart(writer, file); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize multipart body")
	}
	return c.do(ctx, http.MethodPut, path, writer.FormDataContentType(), buf.Bytes())
}

func appendFilePart(writer *multipart.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "failed to open upload file %s", file)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(file))
	if err != nil {
		return errors.Wrap(err, "failed to create multipart field")
	}
	if _, err := io.Copy(part, f); err != nil {
		return errors.Wrapf(err, "failed to read upload file %s", file)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	url := c.BaseURL() + path

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s %s", method, url)
	}
	for key, values := range AuthHeader() {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response of %s %s", method, url)
	}

	c.log.Debugw("loop request", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(data))
	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
