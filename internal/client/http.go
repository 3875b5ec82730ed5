package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/bidi-relay/backend/internal/protocol"
	"github.com/bidi-relay/backend/internal/session"
	"github.com/bidi-relay/backend/internal/status"
)

// HTTPClient makes REST calls to the relay's /api routes.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:9222").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches /api/status.
func (c *HTTPClient) Status(ctx context.Context) (*status.Report, error) {
	var r status.Report
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Sessions fetches /api/sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscriptions fetches /api/sessions/{id}/subscriptions.
func (c *HTTPClient) Subscriptions(ctx context.Context, sessionID string) (*session.Detail, error) {
	var d session.Detail
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/subscriptions", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Contexts fetches /api/contexts.
func (c *HTTPClient) Contexts(ctx context.Context) ([]protocol.ContextInfo, error) {
	var out []protocol.ContextInfo
	if err := c.do(ctx, http.MethodGet, "/api/contexts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenContext opens a tab, or a frame when parent is set.
func (c *HTTPClient) OpenContext(ctx context.Context, parent, pageURL string) (protocol.ContextInfo, error) {
	body := map[string]string{"parent": parent, "url": pageURL}
	var info protocol.ContextInfo
	err := c.do(ctx, http.MethodPost, "/api/contexts", body, &info)
	return info, err
}

// CloseContext closes a context and its descendants, returning the closed ids.
func (c *HTTPClient) CloseContext(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Closed []string `json:"closed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/contexts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Closed, nil
}

// Emit injects an event for a context and returns how many sessions got it.
func (c *HTTPClient) Emit(ctx context.Context, contextID, method string, params any) (int, error) {
	body := map[string]any{"method": method}
	if params != nil {
		body["params"] = params
	}
	var out struct {
		Delivered int `json:"delivered"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/contexts/"+url.PathEscape(contextID)+"/events", body, &out); err != nil {
		return 0, err
	}
	return out.Delivered, nil
}

// do sends a request and decodes a JSON response into out. Error bodies in
// the relay's error shape come back as *protocol.Error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var in protocol.Incoming
		if json.Unmarshal(respBody, &in) == nil && in.Type == protocol.TypeError {
			return &protocol.Error{Code: in.Error, Message: in.Message}
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
