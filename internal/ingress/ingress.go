// Package ingress accepts webhook deliveries, collapses replays, and feeds
// a bounded queue drained by engine workers. CLI and timer triggers enter
// through the same Enqueue path so dedup and backpressure apply uniformly.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/config"
	"github.com/autopr/autopr/internal/engine"
	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/event"
	"github.com/autopr/autopr/internal/metrics"
	"github.com/autopr/autopr/internal/state"
	"github.com/autopr/autopr/internal/workflow"
)

const maxHookBody = 1 << 20

// Runner executes one workflow for one work item. The engine satisfies it.
type Runner interface {
	Run(ctx context.Context, spec *workflow.Spec, item event.WorkItem, opts engine.RunOptions) (*state.Result, error)
}

// Server owns the HTTP surface, the dedup window and the worker pool.
type Server struct {
	cfg       config.IngressConfig
	sources   map[string]config.SourceConfig
	secrets   adapters.Secrets
	workflows []*workflow.Spec
	runner    Runner
	store     *state.Store
	metrics   *metrics.Set
	clock     adapters.Clock
	log       *zap.Logger
	limiter   *rate.Limiter

	queue chan queued

	mu    sync.Mutex
	dedup map[string]dedupEntry
}

type dedupEntry struct {
	runID   string
	expires time.Time
}

type queued struct {
	item  event.WorkItem
	runID string
}

func New(cfg config.IngressConfig, sources map[string]config.SourceConfig, secrets adapters.Secrets,
	workflows []*workflow.Spec, runner Runner, store *state.Store, set *metrics.Set,
	clock adapters.Clock, log *zap.Logger) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = config.Duration(60 * time.Second)
	}
	if cfg.RetryAfterSecs <= 0 {
		cfg.RetryAfterSecs = 5
	}
	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60)
	burst := cfg.RatePerMinute
	if cfg.RatePerMinute <= 0 {
		perSecond, burst = rate.Inf, 1
	}
	return &Server{
		cfg:       cfg,
		sources:   sources,
		secrets:   secrets,
		workflows: workflows,
		runner:    runner,
		store:     store,
		metrics:   set,
		clock:     clock,
		log:       log,
		limiter:   rate.NewLimiter(perSecond, burst),
		queue:     make(chan queued, cfg.QueueSize),
		dedup:     map[string]dedupEntry{},
	}
}

// Start runs the worker pool until ctx is cancelled and all workers drain.
func (s *Server) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	wg.Wait()
}

func (s *Server) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.queue:
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
			s.dispatch(ctx, q)
		}
	}
}

// dispatch runs every workflow triggered by the item's kind. The run id
// promised in the 202 response goes to the first match; further matches
// mint their own.
func (s *Server) dispatch(ctx context.Context, q queued) {
	runID := q.runID
	matched := false
	for _, spec := range s.workflows {
		if !spec.TriggeredBy(q.item.Kind) {
			continue
		}
		matched = true
		res, err := s.runner.Run(ctx, spec, q.item, engine.RunOptions{RunID: runID})
		runID = ""
		if err != nil {
			s.log.Error("run rejected",
				zap.String("workflow", spec.Name),
				zap.String("event_id", q.item.ID),
				zap.Error(err))
			s.metrics.RunsTotal.WithLabelValues("rejected").Inc()
			continue
		}
		s.metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
		s.metrics.RunCostUSD.WithLabelValues(res.Workflow).Add(res.CostUSD)
		for _, st := range res.Steps {
			s.metrics.StepDuration.WithLabelValues(st.Action, string(st.Status)).
				Observe(st.FinishedAt.Sub(st.StartedAt).Seconds())
		}
	}
	if !matched {
		s.log.Warn("no workflow for event",
			zap.String("kind", string(q.item.Kind)),
			zap.String("event_id", q.item.ID))
	}
}

// Enqueue admits a work item, applying the dedup window and queue bound.
// Returns the run id the item will (or did) execute under and whether the
// item was new or coalesced into an earlier delivery.
func (s *Server) Enqueue(source string, item event.WorkItem) (runID, dedup string, err error) {
	now := s.clock.Now()
	s.mu.Lock()
	if e, ok := s.dedup[item.DedupKey]; ok && now.Before(e.expires) {
		s.mu.Unlock()
		s.metrics.EventsTotal.WithLabelValues(source, "coalesced").Inc()
		return e.runID, "coalesced", nil
	}
	runID, err = event.NewRunID()
	if err != nil {
		s.mu.Unlock()
		return "", "", errkind.Wrap(errkind.Internal, err, "mint run id")
	}
	s.dedup[item.DedupKey] = dedupEntry{runID: runID, expires: now.Add(s.cfg.DedupWindow.Std())}
	s.sweepLocked(now)
	s.mu.Unlock()

	select {
	case s.queue <- queued{item: item, runID: runID}:
	default:
		s.mu.Lock()
		delete(s.dedup, item.DedupKey)
		s.mu.Unlock()
		return "", "", errkind.New(errkind.RateLimited, "ingress queue full")
	}
	s.metrics.EventsTotal.WithLabelValues(source, "new").Inc()
	s.metrics.QueueDepth.Set(float64(len(s.queue)))
	return runID, "new", nil
}

// sweepLocked drops expired dedup entries. Called with mu held; the map
// stays bounded by the event rate over one window.
func (s *Server) sweepLocked(now time.Time) {
	for k, e := range s.dedup {
		if !now.Before(e.expires) {
			delete(s.dedup, k)
		}
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/hooks/{source}", s.handleHook)
	r.Get("/runs/{id}", s.handleRun)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// hookPayload is the minimal envelope every source must deliver; the raw
// body travels with the work item for action-level use.
type hookPayload struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	Actor    string `json:"actor"`
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	src, ok := s.sources[source]
	if !ok {
		writeErr(w, errkind.New(errkind.InvalidInput, "unknown source: %s", source), http.StatusNotFound)
		return
	}
	if !s.limiter.Allow() {
		writeErr(w, errkind.New(errkind.RateLimited, "rate limit exceeded"), 0)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
	if err != nil {
		writeErr(w, errkind.Wrap(errkind.InvalidInput, err, "read body"), 0)
		return
	}
	if len(body) > maxHookBody {
		writeErr(w, errkind.New(errkind.InvalidInput, "body exceeds %d bytes", maxHookBody), 0)
		return
	}

	secret, err := s.secrets.Get(r.Context(), src.Secret)
	if err != nil {
		writeErr(w, err, 0)
		return
	}
	if !verifySignature(secret, body, r.Header.Get("X-Signature")) {
		writeErr(w, errkind.New(errkind.AuthFailed, "signature mismatch"), 0)
		return
	}

	kind, err := event.ParseKind(r.Header.Get("X-Event-Kind"))
	if err != nil {
		writeErr(w, err, 0)
		return
	}
	var p hookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeErr(w, errkind.Wrap(errkind.InvalidInput, err, "malformed payload"), 0)
		return
	}
	if p.Repo == "" {
		writeErr(w, errkind.New(errkind.InvalidInput, "payload missing repo"), 0)
		return
	}

	item := event.New(source, kind, p.Repo, p.PRNumber, p.Actor, body, s.clock.Now())
	runID, dedup, err := s.Enqueue(source, item)
	if err != nil {
		if errkind.KindOf(err) == errkind.RateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RetryAfterSecs))
			writeErr(w, err, http.StatusServiceUnavailable)
			return
		}
		writeErr(w, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "dedup": dedup})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.store.LoadSnapshot(id)
	if err != nil {
		status := 0
		if errkind.KindOf(err) == errkind.InvalidInput {
			status = http.StatusNotFound
		}
		writeErr(w, err, status)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// verifySignature checks a hex HMAC-SHA256 over the raw body in constant
// time.
func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the X-Signature value for a payload. Exported for clients
// and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	kind := errkind.KindOf(err)
	if status == 0 {
		status = kind.HTTPStatus()
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": string(kind)})
}
