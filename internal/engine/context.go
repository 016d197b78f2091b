package engine

import (
	"context"
	"time"

	"github.com/autopr/autopr/internal/event"
	"github.com/autopr/autopr/internal/llmrouter"
)

// RunInfo is the immutable run-scoped view handlers may read. Step results
// are owned by the engine and are exposed to steps only through resolved
// input references, never directly.
type RunInfo struct {
	RunID         string
	CorrelationID string
	Workflow      string
	Item          event.WorkItem
	Env           map[string]string
	StartedAt     time.Time
	Budget        *llmrouter.RunBudget
}

type runInfoKey struct{}

// WithRunInfo attaches the run view to a context.
func WithRunInfo(ctx context.Context, info *RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFrom recovers the run view inside an action handler. The second
// return is false outside an engine-run step.
func RunInfoFrom(ctx context.Context) (*RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(*RunInfo)
	return info, ok
}

// BudgetFrom returns the run's LLM budget, or an unlimited one outside a
// run.
func BudgetFrom(ctx context.Context) *llmrouter.RunBudget {
	if info, ok := RunInfoFrom(ctx); ok && info.Budget != nil {
		return info.Budget
	}
	return llmrouter.NewRunBudget(1 << 20)
}
