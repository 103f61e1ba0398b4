package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"melissi-go/internal/melissi"
)

var _ melissi.RemoteClient = (*HTTPClient)(nil)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient talks to the sync server's REST API.
type HTTPClient struct {
	baseURL *url.URL
	creds   *melissi.Credentials
	client  Doer
	ids     melissi.IDGenerator
}

// NewHTTPClient creates a client for the server at baseURL. client and ids
// default to http.DefaultClient and random UUIDs.
func NewHTTPClient(baseURL string, creds *melissi.Credentials, client Doer, ids melissi.IDGenerator) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if ids == nil {
		ids = melissi.UUIDGenerator{}
	}
	return &HTTPClient{baseURL: u, creds: creds, client: client, ids: ids}, nil
}

type objectRequest struct {
	Name   string `json:"name"`
	Cell   int64  `json:"cell,omitempty"`
	Parent int64  `json:"parent,omitempty"`
}

type reply struct {
	Reply struct {
		PK     int64 `json:"pk"`
		Number int64 `json:"number"`
	} `json:"reply"`
}

// createdID returns the primary key of a created object. 0 is the top-level
// cell and never a valid new id.
func (r reply) createdID(kind string) (int64, error) {
	if r.Reply.PK <= 0 {
		return 0, fmt.Errorf("server created %s without an id (pk %d)", kind, r.Reply.PK)
	}
	return r.Reply.PK, nil
}

func (c *HTTPClient) CreateDroplet(ctx context.Context, name string, cell int64) (int64, error) {
	var out reply
	if err := c.doJSON(ctx, http.MethodPost, "/api/droplet/", objectRequest{Name: name, Cell: cell}, &out); err != nil {
		return 0, err
	}
	return out.createdID("droplet")
}

func (c *HTTPClient) CreateRevision(ctx context.Context, dropletID int64, rev *melissi.RevisionUpload) (int64, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("md5", rev.Hash); err != nil {
		return 0, fmt.Errorf("writing md5 field: %w", err)
	}
	if err := w.WriteField("number", strconv.FormatInt(rev.Number, 10)); err != nil {
		return 0, fmt.Errorf("writing number field: %w", err)
	}

	field, data := "content", rev.Content
	if rev.Patch != nil {
		field, data = "patch", bytes.NewReader(rev.Patch)
	}
	if data == nil {
		data = bytes.NewReader(nil)
	}
	part, err := w.CreateFormFile(field, field)
	if err != nil {
		return 0, fmt.Errorf("creating %s part: %w", field, err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return 0, fmt.Errorf("writing %s part: %w", field, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("closing multipart body: %w", err)
	}

	var out reply
	path := fmt.Sprintf("/api/droplet/%d/revision/", dropletID)
	if err := c.do(ctx, http.MethodPost, path, w.FormDataContentType(), &body, &out); err != nil {
		return 0, err
	}
	return out.Reply.Number, nil
}

func (c *HTTPClient) CreateCell(ctx context.Context, name string, parent int64) (int64, error) {
	var out reply
	if err := c.doJSON(ctx, http.MethodPost, "/api/cell/", objectRequest{Name: name, Parent: parent}, &out); err != nil {
		return 0, err
	}
	return out.createdID("cell")
}

func (c *HTTPClient) UpdateCell(ctx context.Context, cellID int64, name string, parent int64) error {
	path := fmt.Sprintf("/api/cell/%d/", cellID)
	return c.doJSON(ctx, http.MethodPut, path, objectRequest{Name: name, Parent: parent}, nil)
}

func (c *HTTPClient) DeleteCell(ctx context.Context, cellID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/cell/%d/", cellID), "", nil, nil)
}

func (c *HTTPClient) DeleteDroplet(ctx context.Context, dropletID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/droplet/%d/", dropletID), "", nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", method, path, err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(data), out)
}

// do sends one request and decodes a 2xx JSON reply into out.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", c.ids.New())
	if c.creds != nil {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, melissi.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, melissi.ErrRemoteNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s reply: %w", method, path, err)
	}
	return nil
}
