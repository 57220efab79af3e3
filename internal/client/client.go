// Package client talks to a running atomgraph worker over HTTP and its event
// websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

// ErrStopWatching may be returned from a Watch callback to end the stream
// without error.
var ErrStopWatching = errors.New("stop watching")

// Client is an HTTP client for the worker's API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses ATOMGRAPH_SERVER_URL or defaults to localhost:8484.
// Timeout can be configured via ATOMGRAPH_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("ATOMGRAPH_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("ATOMGRAPH_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError is the error body the server writes.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Health returns nil when the worker answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// ServerStats mirrors the worker's /stats response.
type ServerStats struct {
	Metrics metrics.Snapshot    `json:"metrics"`
	Reviews models.VersionStats `json:"reviews"`
	Clients int                 `json:"event_clients"`
}

// Stats fetches runtime metrics and today's review activity.
func (c *Client) Stats(ctx context.Context) (*ServerStats, error) {
	var stats ServerStats
	if err := c.get(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Watch streams pipeline events until ctx is done or onEvent returns an
// error. Topics filter the stream; none means everything.
func (c *Client) Watch(ctx context.Context, topics []string, onEvent func(events.Event) error) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(topics) > 0 {
		q := u.Query()
		for _, t := range topics {
			q.Add("topic", t)
		}
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
