package llmrouter

import (
	"context"
	"strings"
	"testing"

	"github.com/autopr/autopr/internal/cache"
	"github.com/autopr/autopr/internal/errkind"
)

const goodAnswer = "The diff introduces a nil dereference in payment handling. " +
	"You should replace the direct index with a bounds check:\n\n" +
	"```go\nif len(items) == 0 {\n\treturn nil\n}\n```\n\n" +
	"1. Add the guard above.\n2. Add a regression test for the empty cart."

func TestRouteCachesAndServesFree(t *testing.T) {
	c := cache.New("", nil, nil)
	comp := &StaticCompleter{Text: goodAnswer}
	r := New(nil, c, comp, nil, nil)
	budget := NewRunBudget(1.0)

	req := Request{TaskKind: TaskReview, Prompt: "review this payment diff for bugs"}
	resp, err := r.Route(context.Background(), req, budget)
	if err != nil {
		t.Fatal(err)
	}
	if resp.CacheHit || resp.Cost <= 0 || resp.ModelUsed == "" {
		t.Fatalf("first call: %+v", resp)
	}
	spentAfterFirst := budget.Spent()
	if spentAfterFirst <= 0 {
		t.Fatalf("spend not recorded")
	}

	// Same prompt again: cache hit, free, no completer call.
	resp2, err := r.Route(context.Background(), req, budget)
	if err != nil {
		t.Fatal(err)
	}
	if !resp2.CacheHit || resp2.Cost != 0 {
		t.Fatalf("second call: %+v", resp2)
	}
	if budget.Spent() != spentAfterFirst {
		t.Fatalf("cache hit charged the budget")
	}
	if comp.Calls() != 1 {
		t.Fatalf("completer ran %d times", comp.Calls())
	}
}

func TestRouteBudgetFallback(t *testing.T) {
	comp := &StaticCompleter{Text: goodAnswer}
	r := New(nil, nil, comp, nil, nil)
	budget := NewRunBudget(0.02)

	// A long prompt prices gpt-large above the remaining budget.
	prompt := strings.Repeat("review this hunk carefully. ", 150)
	resp, err := r.Route(context.Background(), Request{TaskKind: TaskReview, Prompt: prompt, ModelHint: "gpt-large"}, budget)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ModelUsed == "gpt-large" {
		t.Fatalf("router ignored the budget")
	}
	if budget.Spent() > budget.Cap() {
		t.Fatalf("spend %v exceeds cap %v", budget.Spent(), budget.Cap())
	}
}

func TestRouteBudgetExceededBeforeCall(t *testing.T) {
	catalog := NewCatalog([]Model{
		{ID: "gpt-large", Family: "gpt", Tasks: []TaskKind{TaskReview}, Tier: 0.9, InCostPer1K: 0.010, OutCostPer1K: 0.030},
	})
	c := cache.New("", nil, nil)
	comp := &StaticCompleter{Text: goodAnswer}
	r := New(catalog, c, comp, nil, nil)
	budget := NewRunBudget(0.001)

	_, err := r.Route(context.Background(), Request{TaskKind: TaskReview, Prompt: strings.Repeat("x", 4000)}, budget)
	if errkind.KindOf(err) != errkind.BudgetExceeded {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
	if comp.Calls() != 0 {
		t.Fatalf("external call happened despite BudgetExceeded")
	}
	if c.Len(CacheNamespace) != 0 {
		t.Fatalf("cache written despite BudgetExceeded")
	}
	if budget.Spent() != 0 {
		t.Fatalf("budget charged despite BudgetExceeded")
	}
}

func TestQualityGatesCacheWrite(t *testing.T) {
	c := cache.New("", nil, nil)
	comp := &StaticCompleter{Text: "unclear... I'm not sure..."}
	r := New(nil, c, comp, nil, nil)

	req := Request{TaskKind: TaskSummarize, Prompt: "summarize the change"}
	resp, err := r.Route(context.Background(), req, NewRunBudget(1))
	if err != nil {
		t.Fatal(err)
	}
	if resp.QualityScore >= QualityThreshold {
		t.Fatalf("hedged answer scored %v", resp.QualityScore)
	}
	if c.Len(CacheNamespace) != 0 {
		t.Fatalf("low quality answer was cached")
	}

	// The next identical request recomputes.
	if _, err := r.Route(context.Background(), req, NewRunBudget(1)); err != nil {
		t.Fatal(err)
	}
	if comp.Calls() != 2 {
		t.Fatalf("completer ran %d times", comp.Calls())
	}
}

func TestWindowBudgetCapsAcrossRuns(t *testing.T) {
	comp := &StaticCompleter{Text: goodAnswer, TokensIn: 1000, TokensOut: 1000}
	window := NewWindowBudget(0.05, 0, nil)
	catalog := NewCatalog([]Model{
		{ID: "gpt-large", Family: "gpt", Tasks: []TaskKind{TaskReview}, Tier: 0.9, InCostPer1K: 0.010, OutCostPer1K: 0.030},
	})
	r := New(catalog, nil, comp, window, nil)

	// First run fits the daily window; it spends ~$0.04.
	if _, err := r.Route(context.Background(), Request{TaskKind: TaskReview, Prompt: strings.Repeat("y", 2000)}, NewRunBudget(1)); err != nil {
		t.Fatal(err)
	}
	// The second run has run headroom but the daily window is nearly gone.
	_, err := r.Route(context.Background(), Request{TaskKind: TaskReview, Prompt: strings.Repeat("y", 2000)}, NewRunBudget(1))
	if errkind.KindOf(err) != errkind.BudgetExceeded {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestWindowBudgetRemainingTracksTightestWindow(t *testing.T) {
	w := NewWindowBudget(1.0, 10, nil)
	if got := w.Remaining(); got != 1.0 {
		t.Fatalf("fresh remaining=%v", got)
	}
	w.Record(0.4)
	if got := w.Remaining(); got < 0.59 || got > 0.61 {
		t.Fatalf("remaining after spend=%v", got)
	}

	// Zero caps mean unlimited headroom, never zero.
	if got := NewWindowBudget(0, 0, nil).Remaining(); got < 1e6 {
		t.Fatalf("unlimited remaining=%v", got)
	}

	overspent := NewWindowBudget(0.3, 0, nil)
	overspent.Record(0.5)
	if got := overspent.Remaining(); got != 0 {
		t.Fatalf("overspent remaining=%v", got)
	}
}

func TestComplexityOrdering(t *testing.T) {
	classify := Complexity(Request{TaskKind: TaskClassify, Prompt: "is this a bug?"})
	fix := Complexity(Request{TaskKind: TaskGenerateFix, Prompt: "func main() {\n\tx := 1;\n\tfmt.Println(x)\n}\nfix the off-by-one in the loop above"})
	if classify >= fix {
		t.Fatalf("classify %v >= generate_fix %v", classify, fix)
	}
	for _, c := range []float64{classify, fix} {
		if c < 0 || c > 1 {
			t.Fatalf("complexity out of range: %v", c)
		}
	}
}

func TestQualityScoring(t *testing.T) {
	req := Request{TaskKind: TaskReview, Prompt: "review payment handling for a nil dereference"}
	good := Quality(goodAnswer, req)
	empty := Quality("", req)
	hedged := Quality("I'm not sure, this is unclear...", req)
	if empty != 0 {
		t.Fatalf("empty answer scored %v", empty)
	}
	if good <= hedged {
		t.Fatalf("good %v <= hedged %v", good, hedged)
	}
	if good < QualityThreshold {
		t.Fatalf("good answer below threshold: %v", good)
	}
}

func TestCandidatesOrdering(t *testing.T) {
	c := DefaultCatalog()
	got := c.Candidates(TaskGenerateFix)
	// Advertising models come before 0.5-fit fallbacks.
	if got[0].CapabilityFit(TaskGenerateFix) != 1 {
		t.Fatalf("first candidate does not advertise: %+v", got[0])
	}
	last := got[len(got)-1]
	if last.CapabilityFit(TaskGenerateFix) != 0.5 {
		t.Fatalf("fallbacks should sort last: %+v", last)
	}
}

func TestStats(t *testing.T) {
	comp := &StaticCompleter{Text: goodAnswer}
	r := New(nil, nil, comp, nil, nil)
	resp, err := r.Route(context.Background(), Request{TaskKind: TaskReview, Prompt: "review the auth change"}, NewRunBudget(1))
	if err != nil {
		t.Fatal(err)
	}
	calls, cost, quality := r.Stats(resp.ModelUsed)
	if calls != 1 || cost != resp.Cost || quality != resp.QualityScore {
		t.Fatalf("stats: %d, %v, %v", calls, cost, quality)
	}
}
