package agentclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/agentclient"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

func newClient(t *testing.T, url, token string) *agentclient.Client {
	t.Helper()
	c, err := agentclient.NewClient(config.Agent{URL: url, Token: token, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != agentclient.ExecutePath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected auth: %q", auth)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req["projectPath"] != "/work/game" || req["prompt"] != "add a boss" {
			t.Errorf("unexpected body: %v", req)
		}
		if _, ok := req["resumeSessionId"]; ok {
			t.Errorf("empty resume id must be omitted: %v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executionId":"exec-9","streamUrl":"/api/agent/stream/exec-9","logFilePath":"/tmp/exec-9.log"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/", "secret")
	resp, err := c.Start(context.Background(), agent.StartRequest{ProjectPath: "/work/game", Prompt: "add a boss"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.ExecutionID != "exec-9" || resp.LogFilePath != "/tmp/exec-9.log" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.StreamURL != srv.URL+"/api/agent/stream/exec-9" {
		t.Fatalf("stream url not resolved: %q", resp.StreamURL)
	}
}

func TestStartKeepsAbsoluteStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"executionId":"e","streamUrl":"ws://elsewhere:9000/stream/e"}`))
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL, "").Start(context.Background(), agent.StartRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.StreamURL != "ws://elsewhere:9000/stream/e" {
		t.Fatalf("absolute url changed: %q", resp.StreamURL)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom", want: "agent API error 500"},
		{name: "bad json", status: http.StatusOK, body: "{", want: "unmarshal start response"},
		{name: "missing stream url", status: http.StatusOK, body: `{"executionId":"e"}`, want: "no streamUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL, "").Start(context.Background(), agent.StartRequest{Prompt: "p"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestStartBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, "")
	c.SetBreaker(resilience.NewBreaker("agent", 2, time.Minute))
	for range 2 {
		_, _ = c.Start(context.Background(), agent.StartRequest{Prompt: "p"})
	}
	_, err := c.Start(context.Background(), agent.StartRequest{Prompt: "p"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", n)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := agentclient.NewClient(config.Agent{URL: "localhost"}); err == nil {
		t.Fatal("expected error for relative agent url")
	}
}
