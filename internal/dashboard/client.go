package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"melissi-go/internal/melissi"
)

// Client talks to a running daemon's dashboard server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at addr, either host:port or a
// full http URL. A nil hc uses http.DefaultClient.
func NewClient(addr string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: hc}
}

func (c *Client) Status(ctx context.Context) (melissi.Status, error) {
	var st melissi.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Notifications pops the daemon's buffered notifications.
func (c *Client) Notifications(ctx context.Context) ([]melissi.Notification, error) {
	var ns []melissi.Notification
	err := c.do(ctx, http.MethodGet, "/notifications", nil, &ns)
	return ns, err
}

func (c *Client) Pause(ctx context.Context) (melissi.Status, error) {
	var st melissi.Status
	err := c.do(ctx, http.MethodPost, "/pause", nil, &st)
	return st, err
}

func (c *Client) Resume(ctx context.Context) (melissi.Status, error) {
	var st melissi.Status
	err := c.do(ctx, http.MethodPost, "/resume", nil, &st)
	return st, err
}

func (c *Client) Resync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resync", nil, nil)
}

// RemoteDeleted reports a server-side deletion of a droplet or cell.
func (c *Client) RemoteDeleted(ctx context.Context, kind string, id int64) error {
	return c.do(ctx, http.MethodPost, "/remote-deletions", RemoteDeletion{Kind: kind, ID: id}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s (is `melissi run` running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, eb.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
