package llmrouter

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/cache"
	"github.com/autopr/autopr/internal/errkind"
)

// SchemaVersion versions the prompt-cache key derivation; bumping it
// implicitly invalidates every cached completion.
const SchemaVersion = 1

// QualityThreshold gates prompt-cache writes.
const QualityThreshold = 0.6

// CacheNamespace is the prompt-cache namespace.
const CacheNamespace = "llm"

// Request describes one LLM task.
type Request struct {
	TaskKind    TaskKind `json:"task_kind"`
	Prompt      string   `json:"prompt"`
	ContextRefs []string `json:"context_refs,omitempty"`
	ModelHint   string   `json:"model_hint,omitempty"`
}

// Response is the routed call outcome. Cache hits are free: Cost is zero and
// nothing is charged against any budget.
type Response struct {
	Text         string  `json:"text"`
	ModelUsed    string  `json:"model_used"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	Cost         float64 `json:"cost"`
	LatencyMS    int64   `json:"latency_ms"`
	QualityScore float64 `json:"quality_score"`
	CacheHit     bool    `json:"cache_hit"`
}

// Completer performs the actual model call.
type Completer interface {
	Complete(ctx context.Context, model Model, req Request) (text string, tokensIn, tokensOut int, err error)
}

// modelStats feeds future routing decisions.
type modelStats struct {
	Calls      int
	TotalCost  float64
	SumQuality float64
}

// Router wires the catalog, the prompt cache, the budgets and the completer.
type Router struct {
	catalog   *Catalog
	cache     *cache.Cache
	completer Completer
	window    *WindowBudget
	log       *zap.Logger

	mu    sync.Mutex
	stats map[string]modelStats
}

func New(catalog *Catalog, promptCache *cache.Cache, completer Completer, window *WindowBudget, log *zap.Logger) *Router {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if window == nil {
		window = NewWindowBudget(0, 0, nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		catalog:   catalog,
		cache:     promptCache,
		completer: completer,
		window:    window,
		log:       log,
		stats:     map[string]modelStats{},
	}
}

// Route serves one request: prompt-cache lookup, model selection under the
// run and window budgets, the call, quality scoring and a quality-gated
// cache write.
func (r *Router) Route(ctx context.Context, req Request, budget *RunBudget) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errkind.New(errkind.InvalidInput, "empty prompt")
	}
	family := r.familyFor(req)
	key, err := cache.Key(CacheNamespace, SchemaVersion, map[string]any{
		"prompt": canonicalPrompt(req.Prompt),
		"family": family,
	})
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(CacheNamespace, key); ok {
			return &Response{
				Text:         str(v["text"]),
				ModelUsed:    str(v["model_used"]),
				QualityScore: num(v["quality_score"]),
				CacheHit:     true,
			}, nil
		}
	}

	complexity := Complexity(req)
	model, est, err := r.selectModel(req, complexity, budget)
	if err != nil {
		return nil, err
	}

	if err := budget.Reserve(est); err != nil {
		return nil, err
	}
	start := time.Now()
	text, tokensIn, tokensOut, err := r.completer.Complete(ctx, model, req)
	if err != nil {
		budget.Release(est)
		return nil, err
	}
	actual := model.EstimateCost(tokensIn, tokensOut)
	budget.Commit(est, actual)
	r.window.Record(actual)

	resp := &Response{
		Text:      text,
		ModelUsed: model.ID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      actual,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	resp.QualityScore = Quality(text, req)
	r.recordStats(model.ID, actual, resp.QualityScore)

	if r.cache != nil && resp.QualityScore >= QualityThreshold {
		r.cache.Put(CacheNamespace, key, SchemaVersion, map[string]any{
			"text":          resp.Text,
			"model_used":    resp.ModelUsed,
			"quality_score": resp.QualityScore,
		})
	}
	return resp, nil
}

func (r *Router) familyFor(req Request) string {
	if req.ModelHint != "" {
		if m, ok := r.catalog.Lookup(req.ModelHint); ok {
			return m.Family
		}
	}
	return "default"
}

// selectModel scores the candidates and enforces the budgets. When the best
// scoring model does not fit, it falls back to the cheapest candidate with
// capability_fit >= 0.5 that does; with no such candidate the request fails
// BudgetExceeded before any external call.
func (r *Router) selectModel(req Request, complexity float64, budget *RunBudget) (Model, float64, error) {
	remaining := budget.Remaining()
	if w := r.window.Remaining(); w < remaining {
		remaining = w
	}

	candidates := r.catalog.Candidates(req.TaskKind)
	if hint, ok := r.catalog.Lookup(req.ModelHint); ok {
		candidates = append([]Model{hint}, candidates...)
	}
	if len(candidates) == 0 {
		return Model{}, 0, errkind.New(errkind.InvalidWorkflow, "no models for task %s", req.TaskKind)
	}

	tokensIn, tokensOut := estimateTokens(req)
	best := -1
	bestScore := -1.0
	for i, m := range candidates {
		est := m.EstimateCost(tokensIn, tokensOut)
		costFit := 1.0
		if est > 0 {
			costFit = math.Min(remaining/est, 1)
			if costFit < 0 {
				costFit = 0
			}
		}
		score := 0.4*m.CapabilityFit(req.TaskKind) + 0.3*complexityFit(m, complexity) + 0.3*costFit
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	chosen := candidates[best]
	est := chosen.EstimateCost(tokensIn, tokensOut)
	if est <= remaining {
		return chosen, est, nil
	}

	// Budget fallback: cheapest fitting candidate that still advertises at
	// least half capability.
	fallback := -1
	fallbackEst := 0.0
	for i, m := range candidates {
		if m.CapabilityFit(req.TaskKind) < 0.5 {
			continue
		}
		e := m.EstimateCost(tokensIn, tokensOut)
		if e > remaining {
			continue
		}
		if fallback == -1 || e < fallbackEst {
			fallback = i
			fallbackEst = e
		}
	}
	if fallback == -1 {
		return Model{}, 0, errkind.New(errkind.BudgetExceeded,
			"no candidate for %s fits remaining budget $%.4f (cheapest est $%.4f)",
			req.TaskKind, remaining, est)
	}
	r.log.Debug("budget fallback",
		zap.String("wanted", chosen.ID),
		zap.String("fallback", candidates[fallback].ID),
		zap.Float64("remaining", remaining))
	return candidates[fallback], fallbackEst, nil
}

func complexityFit(m Model, complexity float64) float64 {
	return 1 - math.Abs(m.Tier-complexity)
}

func (r *Router) recordStats(modelID string, cost, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[modelID]
	s.Calls++
	s.TotalCost += cost
	s.SumQuality += quality
	r.stats[modelID] = s
}

// Stats reports per-model call count, total cost and mean quality.
func (r *Router) Stats(modelID string) (calls int, totalCost, meanQuality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[modelID]
	if s.Calls == 0 {
		return 0, 0, 0
	}
	return s.Calls, s.TotalCost, s.SumQuality / float64(s.Calls)
}

func canonicalPrompt(p string) string {
	return strings.Join(strings.Fields(p), " ")
}

func estimateTokens(req Request) (int, int) {
	// Rough 4 chars per token, plus a flat allowance for context refs and
	// the completion.
	in := len(req.Prompt)/4 + len(req.ContextRefs)*200
	if in < 16 {
		in = 16
	}
	return in, 500
}

// Complexity scores a request in [0, 1] from prompt length, code density
// and task kind.
func Complexity(req Request) float64 {
	lengthScore := math.Min(float64(len(req.Prompt))/8000, 1)

	lines := strings.Split(req.Prompt, "\n")
	codeLines := 0
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		if strings.ContainsAny(trimmed, "{}();=") || strings.HasPrefix(l, "    ") || strings.HasPrefix(l, "\t") {
			codeLines++
		}
	}
	codeDensity := 0.0
	if len(lines) > 0 {
		codeDensity = float64(codeLines) / float64(len(lines))
	}

	kindScore := 0.3
	switch req.TaskKind {
	case TaskClassify:
		kindScore = 0.2
	case TaskSummarize:
		kindScore = 0.3
	case TaskReview:
		kindScore = 0.6
	case TaskGenerateFix:
		kindScore = 0.8
	}

	return math.Min(0.4*lengthScore+0.3*codeDensity+0.3*kindScore, 1)
}

// Quality scores a response over completeness, an accuracy heuristic,
// relevance and actionability, weighted 0.3/0.3/0.2/0.2.
func Quality(text string, req Request) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	completeness := math.Min(float64(len(trimmed))/400, 1)
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		completeness *= 0.5
	}

	// Hedging and refusal phrasings read as lower confidence in the answer.
	accuracy := 1.0
	lower := strings.ToLower(trimmed)
	for _, marker := range []string{"i cannot", "i can't", "as an ai", "i'm not sure", "unclear"} {
		if strings.Contains(lower, marker) {
			accuracy -= 0.25
		}
	}
	if accuracy < 0 {
		accuracy = 0
	}

	relevance := termOverlap(lower, strings.ToLower(req.Prompt))

	actionability := 0.4
	if strings.Contains(trimmed, "```") {
		actionability += 0.3
	}
	for _, marker := range []string{"1.", "- ", "should ", "replace ", "add ", "remove "} {
		if strings.Contains(lower, marker) {
			actionability += 0.1
			break
		}
	}
	if actionability > 1 {
		actionability = 1
	}

	return 0.3*completeness + 0.3*accuracy + 0.2*relevance + 0.2*actionability
}

func termOverlap(response, prompt string) float64 {
	terms := map[string]bool{}
	for _, w := range strings.Fields(prompt) {
		if len(w) >= 5 {
			terms[w] = true
		}
	}
	if len(terms) == 0 {
		return 0.5
	}
	hit := 0
	for w := range terms {
		if strings.Contains(response, w) {
			hit++
		}
	}
	overlap := float64(hit) / float64(len(terms))
	return math.Min(overlap*2, 1)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}
