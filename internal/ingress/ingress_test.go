package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/config"
	"github.com/autopr/autopr/internal/engine"
	"github.com/autopr/autopr/internal/event"
	"github.com/autopr/autopr/internal/metrics"
	"github.com/autopr/autopr/internal/state"
	"github.com/autopr/autopr/internal/workflow"
)

const testSecret = "hook-secret"

const hookWF = `
name: on-open
version: 1
triggers:
  - on: pr_opened
steps:
  - id: fetch
    action: fetch_pr
`

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, name string) (string, error) {
	return m[name], nil
}

type dispatched struct {
	workflow string
	item     event.WorkItem
	opts     engine.RunOptions
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []dispatched
	done chan struct{}
}

func newFakeRunner() *fakeRunner { return &fakeRunner{done: make(chan struct{}, 16)} }

func (f *fakeRunner) Run(_ context.Context, spec *workflow.Spec, item event.WorkItem, opts engine.RunOptions) (*state.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, dispatched{workflow: spec.Name, item: item, opts: opts})
	f.mu.Unlock()
	f.done <- struct{}{}
	return &state.Result{RunID: opts.RunID, Status: state.RunOK}, nil
}

func (f *fakeRunner) all() []dispatched {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatched(nil), f.runs...)
}

func testServer(t *testing.T, cfg config.IngressConfig, runner Runner) (*Server, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	spec, err := workflow.Load([]byte(hookWF))
	if err != nil {
		t.Fatal(err)
	}
	srv := New(cfg,
		map[string]config.SourceConfig{"github": {Secret: "github-hook"}},
		mapSecrets{"github-hook": testSecret},
		[]*workflow.Spec{spec}, runner, store, metrics.New(),
		adapters.RealClock{}, zap.NewNop())
	return srv, store
}

func post(t *testing.T, h http.Handler, path string, body []byte, sig, kind string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Signature", sig)
	}
	if kind != "" {
		req.Header.Set("X-Event-Kind", kind)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHookAcceptedAndDispatched(t *testing.T) {
	runner := newFakeRunner()
	srv, _ := testServer(t, config.IngressConfig{}, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	body := []byte(`{"repo":"acme/site","pr_number":7,"actor":"dev"}`)
	rec := post(t, srv.Router(), "/hooks/github", body, Sign(testSecret, body), "pr_opened")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp["dedup"] != "new" || resp["run_id"] == "" {
		t.Fatalf("resp: %v", resp)
	}

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never dispatched")
	}
	runs := runner.all()
	if len(runs) != 1 || runs[0].workflow != "on-open" {
		t.Fatalf("runs: %+v", runs)
	}
	if runs[0].item.SourceRepo != "acme/site" || runs[0].item.PRNumber != 7 || runs[0].item.Kind != event.PROpened {
		t.Fatalf("item: %+v", runs[0].item)
	}
	if runs[0].opts.RunID != resp["run_id"] {
		t.Fatalf("run id %q != promised %q", runs[0].opts.RunID, resp["run_id"])
	}
}

func TestBadSignatureRejected(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{}, newFakeRunner())
	body := []byte(`{"repo":"acme/site","pr_number":7}`)

	for _, sig := range []string{"", "deadbeef", Sign("wrong-secret", body)} {
		rec := post(t, srv.Router(), "/hooks/github", body, sig, "pr_opened")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("sig %q: status %d", sig, rec.Code)
		}
	}
}

func TestUnknownSource(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{}, newFakeRunner())
	rec := post(t, srv.Router(), "/hooks/gitlab", []byte("{}"), "x", "pr_opened")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestMalformedRequests(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{}, newFakeRunner())
	h := srv.Router()

	cases := []struct {
		name string
		body []byte
		kind string
	}{
		{"bad json", []byte("not-json"), "pr_opened"},
		{"missing repo", []byte(`{"pr_number":7}`), "pr_opened"},
		{"bad kind", []byte(`{"repo":"acme/site"}`), "pr_exploded"},
	}
	for _, tc := range cases {
		rec := post(t, h, "/hooks/github", tc.body, Sign(testSecret, tc.body), tc.kind)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tc.name, rec.Code)
		}
	}
}

func TestReplayCoalesced(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{}, newFakeRunner())
	h := srv.Router()
	body := []byte(`{"repo":"acme/site","pr_number":7,"actor":"dev"}`)
	sig := Sign(testSecret, body)

	first := decode(t, post(t, h, "/hooks/github", body, sig, "pr_opened"))
	second := post(t, h, "/hooks/github", body, sig, "pr_opened")
	if second.Code != http.StatusAccepted {
		t.Fatalf("status %d", second.Code)
	}
	resp := decode(t, second)
	if resp["dedup"] != "coalesced" || resp["run_id"] != first["run_id"] {
		t.Fatalf("first %v second %v", first, resp)
	}
}

func TestDistinctPayloadsAreNotCoalesced(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{QueueSize: 4}, newFakeRunner())
	h := srv.Router()

	a := []byte(`{"repo":"acme/site","pr_number":7,"actor":"dev","sha":"aaa"}`)
	b := []byte(`{"repo":"acme/site","pr_number":7,"actor":"dev","sha":"bbb"}`)
	ra := decode(t, post(t, h, "/hooks/github", a, Sign(testSecret, a), "pr_updated"))
	rb := decode(t, post(t, h, "/hooks/github", b, Sign(testSecret, b), "pr_updated"))
	if ra["dedup"] != "new" || rb["dedup"] != "new" || ra["run_id"] == rb["run_id"] {
		t.Fatalf("a %v b %v", ra, rb)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{QueueSize: 1, RetryAfterSecs: 7}, newFakeRunner())
	h := srv.Router()

	a := []byte(`{"repo":"acme/site","pr_number":1}`)
	b := []byte(`{"repo":"acme/site","pr_number":2}`)
	if rec := post(t, h, "/hooks/github", a, Sign(testSecret, a), "pr_opened"); rec.Code != http.StatusAccepted {
		t.Fatalf("first: status %d", rec.Code)
	}
	rec := post(t, h, "/hooks/github", b, Sign(testSecret, b), "pr_opened")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second: status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "7" {
		t.Fatalf("retry-after %q", rec.Header().Get("Retry-After"))
	}
}

func TestRejectedEnqueueClearsDedupEntry(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{QueueSize: 1}, newFakeRunner())
	h := srv.Router()

	a := []byte(`{"repo":"acme/site","pr_number":1}`)
	b := []byte(`{"repo":"acme/site","pr_number":2}`)
	post(t, h, "/hooks/github", a, Sign(testSecret, a), "pr_opened")
	post(t, h, "/hooks/github", b, Sign(testSecret, b), "pr_opened")

	// After the queue drains, the rejected delivery must be retryable as new.
	<-srv.queue
	rec := post(t, h, "/hooks/github", b, Sign(testSecret, b), "pr_opened")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	if resp := decode(t, rec); resp["dedup"] != "new" {
		t.Fatalf("resp: %v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{RatePerMinute: 1, QueueSize: 4}, newFakeRunner())
	h := srv.Router()

	a := []byte(`{"repo":"acme/site","pr_number":1}`)
	b := []byte(`{"repo":"acme/site","pr_number":2}`)
	if rec := post(t, h, "/hooks/github", a, Sign(testSecret, a), "pr_opened"); rec.Code != http.StatusAccepted {
		t.Fatalf("first: status %d", rec.Code)
	}
	if rec := post(t, h, "/hooks/github", b, Sign(testSecret, b), "pr_opened"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status %d", rec.Code)
	}
}

func TestRunSnapshotEndpoint(t *testing.T) {
	srv, store := testServer(t, config.IngressConfig{}, newFakeRunner())
	h := srv.Router()

	res := &state.Result{RunID: "01JRUN000000000000000000AA", Workflow: "on-open", Status: state.RunOK}
	if err := store.SaveResult(res); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/runs/"+res.RunID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if snap := decode(t, rec); snap["status"] != "ok" {
		t.Fatalf("snap: %v", snap)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := testServer(t, config.IngressConfig{}, newFakeRunner())
	h := srv.Router()
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}
