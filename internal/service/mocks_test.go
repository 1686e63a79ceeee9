package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/config"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/domain/stream"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

// --- cache ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// blockingCache parks every Set until release is closed.
type blockingCache struct {
	*memCache
	entered chan struct{}
	release chan struct{}
}

func newBlockingCache() *blockingCache {
	return &blockingCache{memCache: newMemCache(), entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.entered <- struct{}{}
	<-b.release
	return b.memCache.Set(ctx, key, value, ttl)
}

func (b *blockingCache) Delete(ctx context.Context, key string) error {
	<-b.release
	return b.memCache.Delete(ctx, key)
}

// --- registry ---

type registryCall struct {
	op        string
	taskID    string
	sessionID string
	success   bool
}

type fakeRegistry struct {
	mu           sync.Mutex
	calls        []registryCall
	startResults []regdomain.StartResult
	startErr     error
	status       regdomain.StatusResult
	statusErr    error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{status: regdomain.StatusResult{Found: true, Status: regdomain.StatusRunning}}
}

func (f *fakeRegistry) Start(_ context.Context, taskID, sessionID, _ string) (regdomain.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registryCall{op: "start", taskID: taskID, sessionID: sessionID})
	if f.startErr != nil {
		return regdomain.StartResult{}, f.startErr
	}
	if len(f.startResults) > 0 {
		r := f.startResults[0]
		f.startResults = f.startResults[1:]
		return r, nil
	}
	return regdomain.StartResult{Success: true}, nil
}

func (f *fakeRegistry) Heartbeat(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registryCall{op: "heartbeat", taskID: taskID})
	return nil
}

func (f *fakeRegistry) Complete(_ context.Context, taskID, sessionID string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registryCall{op: "complete", taskID: taskID, sessionID: sessionID, success: success})
	return nil
}

func (f *fakeRegistry) Status(_ context.Context, taskID string) (regdomain.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registryCall{op: "status", taskID: taskID})
	return f.status, f.statusErr
}

func (f *fakeRegistry) Clear(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registryCall{op: "clear", sessionID: sessionID})
	return 0, nil
}

func (f *fakeRegistry) setStatus(s regdomain.StatusResult) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// ops returns the recorded calls of the given kind.
func (f *fakeRegistry) ops(op string) []registryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registryCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// sequence returns every call except heartbeats and status polls.
func (f *fakeRegistry) sequence() []registryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registryCall
	for _, c := range f.calls {
		if c.op != "heartbeat" && c.op != "status" {
			out = append(out, c)
		}
	}
	return out
}

// --- agent ---

type fakeAgent struct {
	mu       sync.Mutex
	requests []agent.StartRequest
	resp     agent.StartResponse
	err      error
}

func (f *fakeAgent) Start(_ context.Context, req agent.StartRequest) (agent.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return agent.StartResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeAgent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAgent) request(i int) agent.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeAgent) setResp(resp agent.StartResponse) {
	f.mu.Lock()
	f.resp = resp
	f.mu.Unlock()
}

func (f *fakeAgent) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// --- stream ---

type fakeConn struct {
	url     string
	handler agent.FrameHandler
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

func (c *fakeConn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// push delivers a frame the way the stream reader would, even after Close.
func (c *fakeConn) push(t *testing.T, typ stream.Type, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.handler(stream.Event{Type: typ, Data: raw})
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Open(_ context.Context, url string, handler agent.FrameHandler) (agent.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{url: url, handler: handler, done: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// --- broadcast ---

type recordedEvent struct {
	eventType string
	payload   any
}

type recordingHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{eventType: eventType, payload: payload})
}

func (h *recordingHub) ofType(eventType string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, e := range h.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- harness ---

const testStreamURL = "http://agent.local/api/agent/stream/exec-1"

type harness struct {
	o      *Orchestrator
	cfg    config.Session
	clock  *clock.Fake
	reg    *fakeRegistry
	agent  *fakeAgent
	dialer *fakeDialer
	hub    *recordingHub
	cache  *memCache
}

func newHarness(t *testing.T, mutate func(*config.Session)) *harness {
	t.Helper()
	return newHarnessWithCache(t, mutate, nil)
}

// newHarnessWithCache builds a harness whose build diagnostics live in store.
// A nil store uses the in-memory cache.
func newHarnessWithCache(t *testing.T, mutate func(*config.Session), store cache.Cache) *harness {
	t.Helper()
	cfg := config.Defaults().Session
	cfg.Key = "session-1"
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		cfg:    cfg,
		clock:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		reg:    newFakeRegistry(),
		agent:  &fakeAgent{resp: agent.StartResponse{ExecutionID: "exec-1", StreamURL: testStreamURL, LogFilePath: "/var/log/agent/exec-1.log"}},
		dialer: &fakeDialer{},
		hub:    &recordingHub{},
		cache:  newMemCache(),
	}
	var backing cache.Cache = h.cache
	if store != nil {
		backing = store
	}
	h.o = NewOrchestrator(&cfg, "/work/game", OrchestratorDeps{
		Registry: h.reg,
		Agent:    h.agent,
		Dialer:   h.dialer,
		Hub:      h.hub,
		Cache:    backing,
		Clock:    h.clock,
	})
	t.Cleanup(h.o.Close)
	return h
}

// settle waits for background registry, agent and dial calls to finish.
func (h *harness) settle() { h.o.bg.Wait() }

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.settle()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
