package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// Client is the remote directory: the API interface spoken over HTTP against
// the directory routes the orchestrator module mounts on the host gateway.
// Out-of-process children construct one from the base URL the host injects
// into their environment.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to tune timeouts.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient returns a directory client for the given base URL, e.g.
// "http://127.0.0.1:8080".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrClientBaseURL
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RegisterInstance implements API over HTTP.
func (c *Client) RegisterInstance(ctx context.Context, reg Registration) error {
	return c.send(ctx, http.MethodPost, "/directory/instances", reg, nil)
}

// DeregisterInstance implements API over HTTP.
func (c *Client) DeregisterInstance(ctx context.Context, module, instanceID string) error {
	path := "/directory/instances/" + url.PathEscape(module) + "/" + url.PathEscape(instanceID)
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// SendHeartbeat implements API over HTTP.
func (c *Client) SendHeartbeat(ctx context.Context, module, instanceID string) error {
	path := "/directory/instances/" + url.PathEscape(module) + "/" + url.PathEscape(instanceID) + "/heartbeat"
	return c.send(ctx, http.MethodPost, path, nil, nil)
}

// ListInstances implements API over HTTP.
func (c *Client) ListInstances(ctx context.Context, module string) ([]InstanceInfo, error) {
	path := "/directory/instances"
	if module != "" {
		path += "?module=" + url.QueryEscape(module)
	}
	var out []InstanceInfo
	if err := c.send(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveGrpcService implements API over HTTP. A 404 from the host maps back
// to ErrServiceNotFound.
func (c *Client) ResolveGrpcService(ctx context.Context, service string) (Endpoint, error) {
	var out struct {
		Endpoint Endpoint `json:"endpoint"`
	}
	path := "/directory/services/" + url.PathEscape(service)
	if err := c.send(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Endpoint{}, err
	}
	return out.Endpoint, nil
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding directory request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building directory request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrServiceNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s: status %d", ErrClientStatus, method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding directory response: %w", err)
		}
	}
	return nil
}
