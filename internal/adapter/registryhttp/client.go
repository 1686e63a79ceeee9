// Package registryhttp provides a registry.Registry that talks to a remote
// task registry over its HTTP protocol.
package registryhttp

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

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/domain"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

// BasePath is the route prefix of the registry protocol.
const BasePath = "/api/v1/registry"

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// StartRequest is the body of the start call.
type StartRequest struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label,omitempty"`
}

// CompleteRequest is the body of the complete call.
type CompleteRequest struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
}

// AckResponse acknowledges heartbeat and complete calls.
type AckResponse struct {
	Success bool `json:"success"`
}

// ClearResponse reports how many records a clear removed.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// Client implements registry.Registry against a remote registry server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a registry client for baseURL. token, when set, is sent
// as a bearer token.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("registry url %q must be absolute", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + BasePath,
		token:   token,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: cfotel.Transport(nil),
		},
	}, nil
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

func taskPath(taskID string) string {
	return "/tasks/" + url.PathEscape(taskID)
}

// Start implements registry.Registry.
func (c *Client) Start(ctx context.Context, taskID, sessionID, label string) (regdomain.StartResult, error) {
	var res regdomain.StartResult
	err := c.do(ctx, http.MethodPost, taskPath(taskID)+"/start", StartRequest{SessionID: sessionID, Label: label}, &res)
	if err != nil {
		return regdomain.StartResult{}, fmt.Errorf("registry start %s: %w", taskID, err)
	}
	return res, nil
}

// Heartbeat implements registry.Registry.
func (c *Client) Heartbeat(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodPost, taskPath(taskID)+"/heartbeat", nil, &AckResponse{}); err != nil {
		return fmt.Errorf("registry heartbeat %s: %w", taskID, err)
	}
	return nil
}

// Complete implements registry.Registry.
func (c *Client) Complete(ctx context.Context, taskID, sessionID string, success bool) error {
	body := CompleteRequest{SessionID: sessionID, Success: success}
	if err := c.do(ctx, http.MethodPost, taskPath(taskID)+"/complete", body, &AckResponse{}); err != nil {
		return fmt.Errorf("registry complete %s: %w", taskID, err)
	}
	return nil
}

// Status implements registry.Registry.
func (c *Client) Status(ctx context.Context, taskID string) (regdomain.StatusResult, error) {
	var res regdomain.StatusResult
	if err := c.do(ctx, http.MethodGet, taskPath(taskID), nil, &res); err != nil {
		return regdomain.StatusResult{}, fmt.Errorf("registry status %s: %w", taskID, err)
	}
	return res, nil
}

// Clear implements registry.Registry.
func (c *Client) Clear(ctx context.Context, sessionID string) (int, error) {
	var res ClearResponse
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, &res); err != nil {
		return 0, fmt.Errorf("registry clear %s: %w", sessionID, err)
	}
	return res.Cleared, nil
}

// do sends one request and decodes the JSON response into out. 5xx and
// transport errors count against the breaker; 404 and 409 map to domain errors.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var clientErr error
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			clientErr = domain.ErrNotFound
			return nil
		case resp.StatusCode == http.StatusConflict:
			clientErr = domain.ErrConflict
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			clientErr = apiError(resp.StatusCode, data)
			return nil
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return apiError(resp.StatusCode, data)
		}

		if err := json.Unmarshal(data, out); err != nil {
			clientErr = fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return err
	}
	return clientErr
}

func apiError(status int, data []byte) error {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return fmt.Errorf("registry API error %d: %s", status, strings.TrimSpace(string(data)))
}
