// Package engine executes workflow DAGs over work items: deterministic
// topological scheduling with bounded intra-run parallelism, per-step
// deadlines, failure policies, read-through caching of pure and read steps
// and persisted run state.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/action"
	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/cache"
	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/event"
	"github.com/autopr/autopr/internal/llmrouter"
	"github.com/autopr/autopr/internal/resilience"
	"github.com/autopr/autopr/internal/state"
	"github.com/autopr/autopr/internal/workflow"
)

// ActionCacheNamespace holds cached outputs of pure and read steps.
const ActionCacheNamespace = "actions"

// Config tunes one engine instance. Zero values take the documented
// defaults.
type Config struct {
	IntraRunParallelism int           // concurrent steps per run, default 4
	RunDeadline         time.Duration // wall clock budget per run, default 10m
	RunBudgetUSD        float64       // LLM spend cap per run, default 1.00
	PRLockWait          time.Duration // wait for a busy PR, default 30s

	// Breakers and Limiters guard every action execution; nil fields get
	// fresh sets with default settings. Sharing one set across engines
	// shares breaker state.
	Breakers *resilience.BreakerSet
	Limiters *resilience.LimiterSet

	// Retry caps attempts for actions that declare no policy of their own.
	Retry resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.IntraRunParallelism <= 0 {
		c.IntraRunParallelism = 4
	}
	if c.RunDeadline <= 0 {
		c.RunDeadline = 10 * time.Minute
	}
	if c.RunBudgetUSD <= 0 {
		c.RunBudgetUSD = 1.00
	}
	if c.PRLockWait <= 0 {
		c.PRLockWait = 30 * time.Second
	}
	return c
}

// RunOptions override per-run knobs. DeadlineSet distinguishes "use the
// engine default" from an explicit zero deadline, which fails immediately.
type RunOptions struct {
	RunID       string
	Inputs      map[string]any
	Env         map[string]string
	Deadline    time.Duration
	DeadlineSet bool
	BudgetUSD   float64
}

type Engine struct {
	registry *action.Registry
	store    *state.Store
	cache    *cache.Cache
	clock    adapters.Clock
	log      *zap.Logger
	cfg      Config
	breakers *resilience.BreakerSet
	limiters *resilience.LimiterSet
	prLocks  *prLockSet
}

// New builds an engine. store and actionCache may be nil (state persistence
// and step caching are then disabled).
func New(registry *action.Registry, store *state.Store, actionCache *cache.Cache, clock adapters.Clock, log *zap.Logger, cfg Config) *Engine {
	if clock == nil {
		clock = adapters.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerSet(resilience.DefaultBreakerConfig(), log)
	}
	if cfg.Limiters == nil {
		cfg.Limiters = resilience.NewLimiterSet(resilience.DefaultLimiterConfig(), nil)
	}
	return &Engine{
		registry: registry,
		store:    store,
		cache:    actionCache,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		breakers: cfg.Breakers,
		limiters: cfg.Limiters,
		prLocks:  newPRLockSet(),
	}
}

// runContext owns the mutable run state. Only the scheduler goroutine
// mutates it; workers hand results back over a channel.
type runContext struct {
	info    *RunInfo
	results map[string]*state.StepResult
	outputs map[string]map[string]any
	inputs  map[string]any
}

func (rc *runContext) resolver() workflow.Resolver {
	return func(path []string) (any, bool) {
		if len(path) == 0 {
			return nil, false
		}
		switch path[0] {
		case "steps":
			if len(path) < 4 || path[2] != "outputs" {
				return nil, false
			}
			outs, ok := rc.outputs[path[1]]
			if !ok {
				return nil, false
			}
			return digMap(outs, path[3:])
		case "inputs":
			if len(path) != 2 {
				return nil, false
			}
			v, ok := rc.inputs[path[1]]
			return v, ok
		case "env":
			if len(path) != 2 {
				return nil, false
			}
			v, ok := rc.info.Env[path[1]]
			return v, ok
		case "event":
			if len(path) != 2 {
				return nil, false
			}
			switch path[1] {
			case "repo":
				return rc.info.Item.SourceRepo, true
			case "pr_number":
				return float64(rc.info.Item.PRNumber), true
			case "kind":
				return string(rc.info.Item.Kind), true
			case "actor":
				return rc.info.Item.Actor, true
			}
			return nil, false
		}
		return nil, false
	}
}

func digMap(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type stepOutcome struct {
	id  string
	res *state.StepResult
}

// Run executes one workflow over one work item and returns the terminal
// result. The error return is reserved for failures to run at all (bad
// spec, busy PR, expired deadline); step failures surface in the result.
func (e *Engine) Run(ctx context.Context, spec *workflow.Spec, item event.WorkItem, opts RunOptions) (*state.Result, error) {
	if spec == nil {
		return nil, errkind.New(errkind.InvalidWorkflow, "nil workflow")
	}
	order, err := spec.TopoOrder()
	if err != nil {
		return nil, err
	}
	deadline := e.cfg.RunDeadline
	if opts.DeadlineSet {
		deadline = opts.Deadline
	}
	if deadline <= 0 {
		return nil, errkind.New(errkind.Deadline, "run deadline elapsed before start")
	}

	runID := opts.RunID
	if runID == "" {
		runID, err = event.NewRunID()
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err, "mint run id")
		}
	}

	if item.SourceRepo != "" && item.PRNumber > 0 {
		release, err := e.prLocks.acquire(ctx, item.SourceRepo, item.PRNumber, e.cfg.PRLockWait)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	budgetUSD := opts.BudgetUSD
	if budgetUSD <= 0 {
		budgetUSD = e.cfg.RunBudgetUSD
	}
	started := e.clock.Now()
	rc := &runContext{
		info: &RunInfo{
			RunID:         runID,
			CorrelationID: uuid.NewString(),
			Workflow:      spec.Name,
			Item:          item,
			Env:           copyEnv(opts.Env),
			StartedAt:     started,
			Budget:        llmrouter.NewRunBudget(budgetUSD),
		},
		results: map[string]*state.StepResult{},
		outputs: map[string]map[string]any{},
		inputs:  applyInputDefaults(spec, opts.Inputs),
	}

	runCtx, cancel := context.WithDeadline(WithRunInfo(ctx, rc.info), started.Add(deadline))
	defer cancel()
	log := e.log.With(zap.String("run_id", runID), zap.String("workflow", spec.Name))

	if e.store != nil {
		_ = e.store.SaveWorkflow(runID, spec)
		_ = e.store.AppendProgress(state.Progress{RunID: runID, Event: "run_started", Detail: spec.Name})
	}
	log.Info("run started", zap.String("event", string(item.Kind)), zap.Int("steps", len(order)))

	aborted := e.schedule(runCtx, rc, spec, order, log)

	res := e.finalize(ctx, rc, spec, order, aborted)
	if e.store != nil {
		_ = e.store.SaveResult(res)
		_ = e.store.AppendProgress(state.Progress{RunID: runID, Event: "run_finished", Detail: string(res.Status)})
	}
	log.Info("run finished",
		zap.String("status", string(res.Status)),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

// schedule drives the DAG: launch ready steps up to the parallelism bound,
// collect outcomes, propagate skips and honor failure policies. It returns
// whether an abort fired.
func (e *Engine) schedule(runCtx context.Context, rc *runContext, spec *workflow.Spec, order []string, log *zap.Logger) bool {
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for _, id := range order {
		deps := spec.Dependencies(id)
		indeg[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	launched := map[string]bool{}
	running := 0
	completed := 0
	aborted := false
	done := make(chan stepOutcome)

	// Steps named as fallback targets run only when invoked by a failure;
	// they sit out the normal flow and are marked skipped if never needed.
	fallbackTarget := map[string]bool{}
	for _, st := range spec.Steps {
		if st.OnFailure.Mode == workflow.FailFallback {
			fallbackTarget[st.OnFailure.Fallback] = true
		}
	}
	forced := map[string]bool{}

	ready := func() []string {
		var ids []string
		for _, id := range order {
			if launched[id] || indeg[id] != 0 {
				continue
			}
			if fallbackTarget[id] && !forced[id] {
				continue
			}
			ids = append(ids, id)
		}
		sort.SliceStable(ids, func(i, j int) bool {
			pi, pj := spec.Step(ids[i]).Priority, spec.Step(ids[j]).Priority
			if pi != pj {
				return pi > pj
			}
			return ids[i] < ids[j]
		})
		return ids
	}

	finish := func(id string, res *state.StepResult) {
		rc.results[id] = res
		if res.Outputs != nil {
			rc.outputs[id] = res.Outputs
		}
		completed++
		for _, dep := range dependents[id] {
			indeg[dep]--
		}
		if e.store != nil {
			ev := "step_finished"
			if failedStatus(res.Status) {
				ev = "step_failed"
			}
			_ = e.store.AppendProgress(state.Progress{RunID: rc.info.RunID, Event: ev, StepID: id, Detail: string(res.Status)})
			if res.Status == state.StepOK || res.Status == state.StepCached {
				_ = e.store.SaveStepArtifact(rc.info.RunID, id, res.Outputs)
			}
		}
		if failedStatus(res.Status) {
			policy := spec.Step(id).OnFailure
			switch policy.Mode {
			case workflow.FailContinue:
				// Dependents skip at launch time; independent steps keep
				// running.
			case workflow.FailFallback:
				if fb := policy.Fallback; !launched[fb] {
					forced[fb] = true
					indeg[fb] = 0
				}
			default:
				aborted = true
			}
		}
	}

	skip := func(id string) {
		now := e.clock.Now()
		launched[id] = true
		finish(id, &state.StepResult{
			StepID: id, Action: spec.Step(id).Action,
			Status: state.StepSkipped, StartedAt: now, FinishedAt: now,
		})
	}

	for completed < len(order) {
		if !aborted {
			for _, id := range ready() {
				if aborted || running >= e.cfg.IntraRunParallelism {
					break
				}
				st := spec.Step(id)

				// Forced fallback steps run unconditionally.
				if !forced[id] {
					if blocked := e.skipReason(rc, spec, id); blocked != "" {
						skip(id)
						continue
					}
					run, evalErr := e.shouldRun(rc, st)
					if evalErr != nil {
						launched[id] = true
						now := e.clock.Now()
						finish(id, &state.StepResult{
							StepID: id, Action: st.Action, Status: state.StepFailed,
							Error: evalErr.Error(), ErrorKind: string(errkind.KindOf(evalErr)),
							StartedAt: now, FinishedAt: now,
						})
						continue
					}
					if !run {
						skip(id)
						continue
					}
				}

				launched[id] = true
				running++
				if e.store != nil {
					_ = e.store.AppendProgress(state.Progress{RunID: rc.info.RunID, Event: "step_started", StepID: id})
				}
				go func(st *workflow.Step) {
					done <- stepOutcome{id: st.ID, res: e.executeStep(runCtx, rc, st)}
				}(st)
			}
		}

		if running == 0 {
			// An inline failure may have forced a fallback ready in this
			// pass; go launch it rather than sweeping it as skipped.
			if aborted || len(ready()) == 0 {
				break
			}
			continue
		}
		out := <-done
		running--
		finish(out.id, out.res)
		log.Debug("step finished",
			zap.String("step", out.id),
			zap.String("status", string(out.res.Status)),
			zap.Int("attempts", out.res.Attempts))
	}

	// Whatever never launched is skipped (abort path or unreachable).
	for _, id := range order {
		if !launched[id] {
			skip(id)
		}
	}
	return aborted
}

// skipReason reports why a ready step must be skipped: any dependency that
// did not finish ok.
func (e *Engine) skipReason(rc *runContext, spec *workflow.Spec, id string) string {
	for _, dep := range spec.Dependencies(id) {
		res, ok := rc.results[dep]
		if !ok {
			return "dependency missing: " + dep
		}
		if res.Status != state.StepOK && res.Status != state.StepCached {
			return "dependency " + dep + " " + string(res.Status)
		}
	}
	return ""
}

func (e *Engine) shouldRun(rc *runContext, st *workflow.Step) (bool, error) {
	expr := st.WhenExpr()
	if expr == nil {
		return true, nil
	}
	ok, err := expr.EvalBool(rc.resolver())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// executeStep resolves inputs, applies the effective deadline, consults the
// action cache for pure and read steps and runs the handler with classified
// retries.
func (e *Engine) executeStep(runCtx context.Context, rc *runContext, st *workflow.Step) *state.StepResult {
	res := &state.StepResult{StepID: st.ID, Action: st.Action, StartedAt: e.clock.Now()}
	defer func() { res.FinishedAt = e.clock.Now() }()

	def, ok := e.registry.Resolve(st.Action)
	if !ok {
		return failResult(res, errkind.New(errkind.InvalidWorkflow, "unknown action: %s", st.Action))
	}

	inputs := action.Inputs{}
	for k, v := range st.With {
		resolved, err := workflow.ResolveValue(v, rc.resolver())
		if err != nil {
			return failResult(res, err)
		}
		inputs[k] = resolved
	}

	stepCtx, cancel := e.stepContext(runCtx, st, def)
	defer cancel()

	// Every attempt takes a limiter token and runs behind the breaker, both
	// keyed by (action, repo). The repo stands in for the credential scope.
	scope := rc.info.Item.SourceRepo
	execute := func(ctx context.Context) (map[string]any, error) {
		var outs action.Outputs
		attempts, err := resilience.Do(ctx, e.retryPolicy(def), def.Idempotency,
			rc.info.RunID+":"+st.ID,
			func(ctx context.Context) error {
				if err := e.limiters.Acquire(st.Action, scope); err != nil {
					return err
				}
				v, err := e.breakers.Do(st.Action, scope, func() (any, error) {
					return e.registry.Execute(ctx, st.Action, inputs)
				})
				if err != nil {
					return err
				}
				outs, _ = v.(action.Outputs)
				return nil
			})
		res.Attempts += attempts
		if err != nil {
			return nil, err
		}
		return map[string]any(outs), nil
	}

	schemaVersion := 0
	if def.Inputs != nil {
		schemaVersion = def.Inputs.Version
	}

	var outs map[string]any
	var err error
	cacheHit := false
	if e.cache != nil && def.Idempotency != action.Effectful {
		key, kerr := cache.Key(ActionCacheNamespace, schemaVersion, map[string]any{
			"action":      st.Action,
			"fingerprint": def.Inputs.Fingerprint(),
			"inputs":      map[string]any(inputs),
		})
		if kerr != nil {
			return failResult(res, kerr)
		}
		outs, cacheHit, err = e.cache.GetOrCompute(stepCtx, ActionCacheNamespace, key, schemaVersion, execute)
	} else {
		outs, err = execute(stepCtx)
	}
	if err != nil {
		return failResult(res, err)
	}

	res.Outputs = outs
	res.CostUSD = num(outs["cost"])
	if cacheHit {
		res.Status = state.StepCached
		res.CostUSD = 0
	} else {
		res.Status = state.StepOK
	}
	return res
}

func (e *Engine) stepContext(runCtx context.Context, st *workflow.Step, def action.Def) (context.Context, context.CancelFunc) {
	timeout := def.Timeout
	if st.Timeout > 0 {
		timeout = st.Timeout.Std()
	}
	if timeout <= 0 {
		return context.WithCancel(runCtx)
	}
	// The run deadline still caps the step: WithTimeout never extends an
	// earlier parent deadline.
	return context.WithTimeout(runCtx, timeout)
}

// retryPolicy resolves the step retry caps: the action's declared policy
// wins, then the engine-wide default, then the idempotency class default.
func (e *Engine) retryPolicy(def action.Def) resilience.RetryPolicy {
	if def.Retry.MaxAttempts > 0 {
		return resilience.RetryPolicy{
			MaxAttempts: def.Retry.MaxAttempts,
			MaxElapsed:  def.Retry.MaxElapsed,
		}
	}
	if e.cfg.Retry.MaxAttempts > 0 {
		return e.cfg.Retry
	}
	d := action.DefaultRetryFor(def.Idempotency)
	return resilience.RetryPolicy{MaxAttempts: d.MaxAttempts, MaxElapsed: d.MaxElapsed}
}

func failResult(res *state.StepResult, err error) *state.StepResult {
	res.Error = err.Error()
	kind := errkind.KindOf(err)
	res.ErrorKind = string(kind)
	switch kind {
	case errkind.Timeout, errkind.Deadline:
		res.Status = state.StepTimedOut
	case errkind.CircuitOpen:
		res.Status = state.StepCircuitOpen
	default:
		res.Status = state.StepFailed
	}
	return res
}

func failedStatus(s state.StepStatus) bool {
	switch s {
	case state.StepFailed, state.StepTimedOut, state.StepCircuitOpen:
		return true
	}
	return false
}

// finalize assembles the terminal Result: steps in topological order,
// workflow outputs resolved best-effort and the run status derived from the
// step statuses.
func (e *Engine) finalize(ctx context.Context, rc *runContext, spec *workflow.Spec, order []string, aborted bool) *state.Result {
	res := &state.Result{
		RunID:           rc.info.RunID,
		Workflow:        spec.Name,
		WorkflowVersion: spec.Version,
		Status:          state.RunOK,
		StartedAt:       rc.info.StartedAt,
		FinishedAt:      e.clock.Now(),
		CostUSD:         rc.info.Budget.Spent(),
	}

	okSteps, badSteps := 0, 0
	mergeBlocked := false
	var failureReason string
	for _, id := range order {
		sr := rc.results[id]
		if sr == nil {
			continue
		}
		res.Steps = append(res.Steps, *sr)
		switch {
		case sr.Status == state.StepOK || sr.Status == state.StepCached:
			okSteps++
			if b, isBool := sr.Outputs["merge_blocked"].(bool); isBool && b {
				mergeBlocked = true
			}
		case failedStatus(sr.Status):
			badSteps++
			if failureReason == "" {
				failureReason = fmt.Sprintf("step %s %s: %s", sr.StepID, sr.Status, sr.Error)
			}
		}
	}

	if spec.Outputs != nil {
		res.Outputs = map[string]any{}
		for name, ref := range spec.Outputs {
			if v, err := workflow.ResolveValue(ref, rc.resolver()); err == nil {
				res.Outputs[name] = v
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = state.RunCancelled
		res.FailureReason = "run cancelled"
	case aborted:
		res.Status = state.RunFailed
		res.FailureReason = failureReason
	case mergeBlocked:
		res.Status = state.RunBlocked
		res.FailureReason = "merge blocked by review findings"
	case badSteps > 0:
		res.Status = state.RunPartial
		res.FailureReason = failureReason
	}
	res.Message = fmt.Sprintf("%d/%d steps completed, status %s", okSteps, len(order), res.Status)
	return res
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func applyInputDefaults(spec *workflow.Spec, inputs map[string]any) map[string]any {
	out := map[string]any{}
	for name, def := range spec.Inputs {
		if def.Default != nil {
			out[name] = def.Default
		}
	}
	for k, v := range inputs {
		out[strings.TrimSpace(k)] = v
	}
	return out
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
