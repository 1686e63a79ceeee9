// Package agentclient provides an HTTP client for the remote coding-agent
// process: it starts executions and resolves the stream URL they return.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

// ExecutePath is the agent endpoint that starts an execution.
const ExecutePath = "/api/agent/execute"

// maxErrorBody bounds how much of an error response is quoted in errors.
const maxErrorBody = 512

// Client talks to the remote agent's HTTP API.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates an agent client for cfg.URL. Outbound requests are traced.
func NewClient(cfg config.Agent) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("agent url %q must be absolute", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultAgentRequestTimeout
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfotel.Transport(nil),
		},
	}, nil
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Start asks the agent to run req.Prompt in req.ProjectPath. The returned
// stream URL is always absolute.
func (c *Client) Start(ctx context.Context, req agent.StartRequest) (agent.StartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return agent.StartResponse{}, fmt.Errorf("marshal start request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, ExecutePath, body)
	if err != nil {
		return agent.StartResponse{}, fmt.Errorf("start execution: %w", err)
	}

	var resp agent.StartResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return agent.StartResponse{}, fmt.Errorf("unmarshal start response: %w", err)
	}
	if resp.StreamURL == "" {
		return agent.StartResponse{}, errors.New("start execution: response has no streamUrl")
	}
	if resp.StreamURL, err = c.ResolveURL(resp.StreamURL); err != nil {
		return agent.StartResponse{}, err
	}
	return resp, nil
}

// ResolveURL resolves ref against the agent base URL. Absolute URLs are
// returned unchanged.
func (c *Client) ResolveURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse stream url %q: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// Token returns the bearer token sent with agent requests.
func (c *Client) Token() string { return c.token }

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			return fmt.Errorf("agent API error %d after %s: %s", resp.StatusCode, time.Since(start).Round(time.Millisecond), strings.TrimSpace(string(data)))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
