package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/action"
	"github.com/autopr/autopr/internal/actions"
	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/cache"
	"github.com/autopr/autopr/internal/config"
	"github.com/autopr/autopr/internal/engine"
	"github.com/autopr/autopr/internal/event"
	"github.com/autopr/autopr/internal/ingress"
	"github.com/autopr/autopr/internal/llmrouter"
	"github.com/autopr/autopr/internal/logging"
	"github.com/autopr/autopr/internal/metrics"
	"github.com/autopr/autopr/internal/platform"
	"github.com/autopr/autopr/internal/resilience"
	"github.com/autopr/autopr/internal/review"
	"github.com/autopr/autopr/internal/state"
	"github.com/autopr/autopr/internal/workflow"
)

const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitRunFailed = 3
	exitConfig    = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "detect":
		os.Exit(cmdDetect(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	default:
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  autopr run <workflow.yaml> [--input k=v]... [--repo <owner/name>] [--pr <n>] [--actor <login>] [--event <kind>]")
	fmt.Fprintln(os.Stderr, "  autopr validate <workflow.yaml>")
	fmt.Fprintln(os.Stderr, "  autopr detect <repo_path>")
	fmt.Fprintln(os.Stderr, "  autopr status <run_id>")
	fmt.Fprintln(os.Stderr, "  autopr serve [--addr <host:port>]")
}

// runtime is the wired process: config, logger, persisted state, registry
// and engine.
type runtime struct {
	cfg       config.Config
	log       *zap.Logger
	store     *state.Store
	cache     *cache.Cache
	secrets   adapters.Secrets
	platforms *platform.Registry
	registry  *action.Registry
	engine    *engine.Engine
	metrics   *metrics.Set
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	cacheOpts := map[string]cache.Options{}
	for ns, cc := range cfg.Cache {
		cacheOpts[ns] = cache.Options{TTL: cc.TTL.Std(), MaxBytes: cc.MaxBytes}
	}
	shared := cache.New(store.CacheDir(), cacheOpts, log)

	platforms := platform.NewRegistry(cfg.Platform.SignaturesFile, log)
	if err := platforms.Load(); err != nil {
		log.Warn("platform signatures unavailable", zap.Error(err))
	}

	prefix := cfg.Ingress.SecretPrefix
	if prefix == "" {
		prefix = "AUTOPR_SECRET_"
	}
	secrets := adapters.EnvSecrets{Prefix: prefix}

	apiKey, _ := secrets.Get(context.Background(), cfg.LLM.APIKeySecret)
	window := llmrouter.NewWindowBudget(cfg.Budget.DailyUSD, cfg.Budget.MonthlyUSD, adapters.RealClock{})
	router := llmrouter.New(nil, shared,
		&llmrouter.OpenAICompleter{BaseURL: cfg.LLM.BaseURL, APIKey: apiKey},
		window, log)

	var chat adapters.Chat
	if token, err := secrets.Get(context.Background(), "slack-token"); err == nil {
		chat = adapters.NewSlackChat(token)
	} else {
		log.Warn("slack token not set; chat notifications stay in memory")
		chat = adapters.NewMemoryChat()
	}

	registry := action.NewRegistry()
	err = actions.Register(registry, actions.Deps{
		Vcs:       adapters.NewMemoryVcs(),
		Tracker:   adapters.NewMemoryTracker(),
		Chat:      chat,
		Router:    router,
		Platforms: platforms,
		Review: review.Config{
			Threshold:     review.Severity(cfg.Review.SeverityThreshold),
			MinConfidence: cfg.Review.MinConfidence,
		},
		Log: log,
	})
	if err != nil {
		return nil, err
	}
	registry.Seal()

	eng := engine.New(registry, store, shared, adapters.RealClock{}, log, engine.Config{
		IntraRunParallelism: cfg.Engine.IntraRunParallelism,
		RunDeadline:         cfg.Engine.RunDeadline.Std(),
		RunBudgetUSD:        cfg.Budget.PerRunUSD,
		PRLockWait:          cfg.Engine.PRLockWait.Std(),
		Breakers: resilience.NewBreakerSet(resilience.BreakerConfig{
			FailMax:    uint32(cfg.Resilience.BreakerFailMax),
			ResetAfter: cfg.Resilience.BreakerResetAfter.Std(),
		}, log),
		Limiters: resilience.NewLimiterSet(resilience.LimiterConfig{
			Capacity:   cfg.Resilience.BucketCapacity,
			RefillRate: cfg.Resilience.BucketRefillRate,
		}, nil),
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Resilience.RetryMaxAttempts,
			MaxElapsed:  cfg.Resilience.RetryMaxElapsed.Std(),
		},
	})

	return &runtime{
		cfg:       cfg,
		log:       log,
		store:     store,
		cache:     shared,
		secrets:   secrets,
		platforms: platforms,
		registry:  registry,
		engine:    eng,
		metrics:   metrics.New(),
	}, nil
}

func cmdRun(args []string) int {
	var path, repo, actor string
	var inputs []string
	eventKind := string(event.Manual)
	pr := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--input":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--input requires a value in the form k=v")
				return exitUsage
			}
			inputs = append(inputs, args[i])
		case "--repo":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--repo requires a value")
				return exitUsage
			}
			repo = args[i]
		case "--pr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--pr requires a value")
				return exitUsage
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--pr %q is not a number\n", args[i])
				return exitUsage
			}
			pr = n
		case "--actor":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--actor requires a value")
				return exitUsage
			}
			actor = args[i]
		case "--event":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--event requires a value")
				return exitUsage
			}
			eventKind = args[i]
		default:
			if strings.HasPrefix(args[i], "--") || path != "" {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				return exitUsage
			}
			path = args[i]
		}
	}
	if path == "" {
		usage()
		return exitUsage
	}

	kind, err := event.ParseKind(eventKind)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	parsedInputs, err := parseInputs(inputs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	spec, err := workflow.LoadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	rt, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer func() { _ = rt.log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	item := event.New("cli", kind, repo, pr, actor, nil, time.Now().UTC())
	res, err := rt.engine.Run(ctx, spec, item, engine.RunOptions{Inputs: parsedInputs})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRunFailed
	}

	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("status=%s\n", res.Status)
	fmt.Printf("cost_usd=%.4f\n", res.CostUSD)
	if res.FailureReason != "" {
		fmt.Printf("failure_reason=%s\n", res.FailureReason)
	}
	for _, st := range res.Steps {
		fmt.Printf("step %s status=%s attempts=%d\n", st.StepID, st.Status, st.Attempts)
	}
	if res.Status == state.RunOK {
		return exitOK
	}
	return exitRunFailed
}

func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]any{}
	for _, raw := range pairs {
		k, v, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--input %q is invalid; expected k=v", raw)
		}
		out[strings.TrimSpace(k)] = coerce(v)
	}
	return out, nil
}

// coerce keeps CLI inputs usable in typed workflow inputs: numbers and
// booleans pass through as their native types.
func coerce(v string) any {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func cmdValidate(args []string) int {
	if len(args) != 1 || strings.HasPrefix(args[0], "--") {
		usage()
		return exitUsage
	}
	spec, err := workflow.LoadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	if _, err := spec.TopoOrder(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	fmt.Printf("ok: %s (%d steps)\n", filepath.Base(args[0]), len(spec.Steps))
	return exitOK
}

func cmdDetect(args []string) int {
	if len(args) != 1 || strings.HasPrefix(args[0], "--") {
		usage()
		return exitUsage
	}
	rt, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	snap, err := platform.SnapshotFromDir(args[0], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	res := rt.platforms.Detect(snap)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	return exitOK
}

func cmdStatus(args []string) int {
	if len(args) != 1 {
		usage()
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	store, err := state.Open(cfg.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	snap, err := store.LoadSnapshot(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
	return exitOK
}

func cmdServe(args []string) int {
	addr := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				return exitUsage
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return exitUsage
		}
	}

	rt, err := bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer func() { _ = rt.log.Sync() }()
	if addr == "" {
		addr = rt.cfg.Ingress.Addr
	}

	specs, err := loadWorkflows(rt.cfg.Workflows)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if len(specs) == 0 {
		rt.log.Warn("no workflows found", zap.String("dir", rt.cfg.Workflows))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := ingress.New(rt.cfg.Ingress, rt.cfg.Sources, rt.secrets, specs,
		rt.engine, rt.store, rt.metrics, adapters.RealClock{}, rt.log)
	go srv.Start(ctx)
	go func() {
		if err := rt.platforms.Watch(ctx); err != nil {
			rt.log.Warn("signature watch stopped", zap.Error(err))
		}
	}()

	httpSrv := &http.Server{Addr: addr, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	rt.log.Info("ingress listening", zap.String("addr", addr), zap.Int("workflows", len(specs)))

	select {
	case err := <-errCh:
		fmt.Fprintln(os.Stderr, err)
		return exitError
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		rt.log.Warn("shutdown", zap.Error(err))
	}
	rt.log.Info("ingress stopped")
	return exitOK
}

func loadWorkflows(dir string) ([]*workflow.Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	specs := make([]*workflow.Spec, 0, len(names))
	for _, name := range names {
		spec, err := workflow.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
