// Package actions registers the built-in action set: VCS and tracker
// operations, review analysis, platform detection, LLM tasks and chat
// notifications. Everything a workflow can invoke by name lives here.
package actions

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/action"
	"github.com/autopr/autopr/internal/adapters"
	"github.com/autopr/autopr/internal/engine"
	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/llmrouter"
	"github.com/autopr/autopr/internal/platform"
	"github.com/autopr/autopr/internal/review"
	"github.com/autopr/autopr/internal/schema"
)

// Deps carries the adapters and services the built-ins close over.
type Deps struct {
	Vcs       adapters.Vcs
	Tracker   adapters.Tracker
	Chat      adapters.Chat
	Router    *llmrouter.Router
	Platforms *platform.Registry
	Review    review.Config
	Mappings  map[string]review.SourceMapping
	Log       *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Register installs every built-in into the registry. The registry is left
// unsealed so embedders can add their own actions before Seal.
func Register(r *action.Registry, d Deps) error {
	log := d.logger()
	defs := []action.Def{
		fetchPR(d), listFiles(d), addComment(d), openIssue(d),
		createTicket(d, log), notifyChat(d),
		detectPlatform(d), analyzeReviews(d), publishReport(d, log),
		llmComplete(d),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func fetchPR(d Deps) action.Def {
	return action.Def{
		Name:        "fetch_pr",
		Idempotency: action.Read,
		Timeout:     10 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "repo", Type: schema.TypeString, Required: true},
			{Name: "pr", Type: schema.TypeInt, Required: true},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "title", Type: schema.TypeString},
			{Name: "author", Type: schema.TypeString},
			{Name: "branch", Type: schema.TypeString},
			{Name: "base_branch", Type: schema.TypeString},
			{Name: "diff", Type: schema.TypeString},
			{Name: "files", Type: schema.TypeList, Elem: &schema.Field{Name: "file", Type: schema.TypeString}},
			{Name: "file_count", Type: schema.TypeInt},
		}),
		RequiredScopes: []string{"vcs:read"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			pr, err := d.Vcs.FetchPR(ctx, str(in["repo"]), intOf(in["pr"]))
			if err != nil {
				return nil, err
			}
			return action.Outputs{
				"title":       pr.Title,
				"author":      pr.Author,
				"branch":      pr.Branch,
				"base_branch": pr.BaseBranch,
				"diff":        pr.Diff,
				"files":       toAnyList(pr.Files),
				"file_count":  len(pr.Files),
			}, nil
		},
	}
}

func listFiles(d Deps) action.Def {
	return action.Def{
		Name:        "list_files",
		Idempotency: action.Read,
		Timeout:     10 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "repo", Type: schema.TypeString, Required: true},
			{Name: "pr", Type: schema.TypeInt, Required: true},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "files", Type: schema.TypeList, Elem: &schema.Field{Name: "file", Type: schema.TypeString}},
			{Name: "count", Type: schema.TypeInt},
		}),
		RequiredScopes: []string{"vcs:read"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			files, err := d.Vcs.ListFiles(ctx, str(in["repo"]), intOf(in["pr"]))
			if err != nil {
				return nil, err
			}
			return action.Outputs{"files": toAnyList(files), "count": len(files)}, nil
		},
	}
}

func addComment(d Deps) action.Def {
	return action.Def{
		Name:        "post_comment",
		Idempotency: action.Effectful,
		Timeout:     15 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "repo", Type: schema.TypeString, Required: true},
			{Name: "pr", Type: schema.TypeInt, Required: true},
			{Name: "body", Type: schema.TypeString, Required: true},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "comment_ref", Type: schema.TypeString},
		}),
		RequiredScopes: []string{"vcs:write"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			ref, err := d.Vcs.AddComment(ctx, str(in["repo"]), intOf(in["pr"]), str(in["body"]))
			if err != nil {
				return nil, err
			}
			return action.Outputs{"comment_ref": ref}, nil
		},
	}
}

func openIssue(d Deps) action.Def {
	return action.Def{
		Name:        "open_issue",
		Idempotency: action.Effectful,
		Timeout:     15 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "repo", Type: schema.TypeString, Required: true},
			{Name: "title", Type: schema.TypeString, Required: true},
			{Name: "body", Type: schema.TypeString},
			{Name: "labels", Type: schema.TypeList, Elem: &schema.Field{Name: "label", Type: schema.TypeString}},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "issue_ref", Type: schema.TypeString},
		}),
		RequiredScopes: []string{"vcs:write"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			ref, err := d.Vcs.OpenIssue(ctx, str(in["repo"]), str(in["title"]), str(in["body"]), toStringList(in["labels"]))
			if err != nil {
				return nil, err
			}
			return action.Outputs{"issue_ref": ref}, nil
		},
	}
}

func createTicket(d Deps, log *zap.Logger) action.Def {
	return action.Def{
		Name:        "create_ticket",
		Idempotency: action.Effectful,
		Timeout:     15 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "title", Type: schema.TypeString, Required: true},
			{Name: "body", Type: schema.TypeString},
			{Name: "priority", Type: schema.TypeInt, Default: 3},
			{Name: "labels", Type: schema.TypeList, Elem: &schema.Field{Name: "label", Type: schema.TypeString}},
			{Name: "idempotency_key", Type: schema.TypeString, Required: true},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "ticket_ref", Type: schema.TypeString},
			{Name: "deduplicated", Type: schema.TypeBool},
		}),
		RequiredScopes: []string{"tracker:write"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			ref, err := d.Tracker.CreateTicket(ctx, adapters.Ticket{
				Title:          str(in["title"]),
				Body:           str(in["body"]),
				Labels:         toStringList(in["labels"]),
				Priority:       intOf(in["priority"]),
				IdempotencyKey: str(in["idempotency_key"]),
			})
			// An identical idempotency key means the ticket already exists;
			// that is a success for the workflow.
			if errkind.KindOf(err) == errkind.Conflict {
				log.Debug("ticket create deduplicated", zap.String("ref", ref))
				return action.Outputs{"ticket_ref": ref, "deduplicated": true}, nil
			}
			if err != nil {
				return nil, err
			}
			return action.Outputs{"ticket_ref": ref, "deduplicated": false}, nil
		},
	}
}

func notifyChat(d Deps) action.Def {
	return action.Def{
		Name:        "notify_chat",
		Idempotency: action.Effectful,
		Timeout:     15 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "channel", Type: schema.TypeString, Required: true},
			{Name: "message", Type: schema.TypeString, Required: true},
			{Name: "thread_ref", Type: schema.TypeString},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "message_ref", Type: schema.TypeString},
		}),
		RequiredScopes: []string{"chat:write"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			var ref string
			var err error
			if thread := str(in["thread_ref"]); thread != "" {
				ref, err = d.Chat.PostThread(ctx, str(in["channel"]), thread, str(in["message"]))
			} else {
				ref, err = d.Chat.PostMessage(ctx, str(in["channel"]), str(in["message"]))
			}
			if err != nil {
				return nil, err
			}
			return action.Outputs{"message_ref": ref}, nil
		},
	}
}

func detectPlatform(d Deps) action.Def {
	return action.Def{
		Name:        "detect_platform",
		Idempotency: action.Pure,
		Timeout:     30 * time.Second,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "path", Type: schema.TypeString, Required: true},
			{Name: "commits", Type: schema.TypeList, Elem: &schema.Field{Name: "commit", Type: schema.TypeString}},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "platform", Type: schema.TypeString},
			{Name: "confidence", Type: schema.TypeFloat},
			{Name: "unknown", Type: schema.TypeBool},
			{Name: "matches", Type: schema.TypeList, Elem: &schema.Field{Name: "id", Type: schema.TypeString}},
			{Name: "hybrid_hint", Type: schema.TypeString},
		}),
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			if err := ctx.Err(); err != nil {
				return nil, errkind.Wrap(errkind.KindOf(err), err, "detect platform")
			}
			snap, err := platform.SnapshotFromDir(str(in["path"]), toStringList(in["commits"]))
			if err != nil {
				return nil, err
			}
			res := d.Platforms.Detect(snap)
			ids := make([]any, 0, len(res.Matches))
			for _, m := range res.Matches {
				ids = append(ids, m.PlatformID)
			}
			top := "unknown"
			if !res.Unknown && len(res.Matches) > 0 {
				top = res.Matches[0].PlatformID
			}
			return action.Outputs{
				"platform":    top,
				"confidence":  res.Confidence,
				"unknown":     res.Unknown,
				"matches":     ids,
				"hybrid_hint": res.HybridHint,
			}, nil
		},
	}
}

func analyzeReviews(d Deps) action.Def {
	return action.Def{
		Name:        "analyze_reviews",
		Idempotency: action.Pure,
		Timeout:     30 * time.Second,
		Inputs: schema.MustCompile(review.SchemaVersion, []schema.Field{
			{Name: "findings", Type: schema.TypeList, Required: true, Elem: &schema.Field{
				Name: "finding", Type: schema.TypeStruct, Fields: []schema.Field{
					{Name: "source", Type: schema.TypeString, Required: true},
					{Name: "kind", Type: schema.TypeString},
					{Name: "severity", Type: schema.TypeString},
					{Name: "file", Type: schema.TypeString},
					{Name: "line", Type: schema.TypeInt},
					{Name: "title", Type: schema.TypeString, Required: true},
					{Name: "body", Type: schema.TypeString},
					{Name: "suggested_fix", Type: schema.TypeString},
					{Name: "confidence", Type: schema.TypeFloat},
					{Name: "tags", Type: schema.TypeList, Elem: &schema.Field{Name: "tag", Type: schema.TypeString}},
				},
			}},
		}),
		Outputs: schema.MustCompile(review.SchemaVersion, []schema.Field{
			{Name: "merge_blocked", Type: schema.TypeBool},
			{Name: "finding_count", Type: schema.TypeInt},
			{Name: "issue_count", Type: schema.TypeInt},
			{Name: "unrouted_count", Type: schema.TypeInt},
			{Name: "issues", Type: schema.TypeList, Elem: issueField()},
		}),
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			runID := ""
			if info, ok := engine.RunInfoFrom(ctx); ok {
				runID = info.RunID
			}
			streams, err := rawFindings(in["findings"])
			if err != nil {
				return nil, err
			}
			rep := review.Analyze(runID, streams, d.Mappings, d.Review)
			issues := make([]any, 0, len(rep.Issues))
			for _, is := range rep.Issues {
				issues = append(issues, map[string]any{
					"sink":            string(is.Sink),
					"body_md":         is.BodyMD,
					"correlates_to":   is.CorrelatesTo,
					"idempotency_key": is.IdempotencyKey,
					"priority":        is.Priority,
					"labels":          toAnyList(is.Labels),
				})
			}
			return action.Outputs{
				"merge_blocked":  rep.MergeBlocked,
				"finding_count":  len(rep.Findings),
				"issue_count":    len(rep.Issues),
				"unrouted_count": len(rep.Unrouted),
				"issues":         issues,
			}, nil
		},
	}
}

// publishReport fans routed issues out to their sinks. Deduplicated creates
// (Conflict on an identical idempotency key) count separately.
func publishReport(d Deps, log *zap.Logger) action.Def {
	return action.Def{
		Name:        "publish_report",
		Idempotency: action.Effectful,
		Timeout:     60 * time.Second,
		Inputs: schema.MustCompile(review.SchemaVersion, []schema.Field{
			{Name: "issues", Type: schema.TypeList, Required: true, Elem: issueField()},
			{Name: "repo", Type: schema.TypeString},
			{Name: "channel", Type: schema.TypeString, Default: "#reviews"},
		}),
		Outputs: schema.MustCompile(review.SchemaVersion, []schema.Field{
			{Name: "created", Type: schema.TypeInt},
			{Name: "deduplicated", Type: schema.TypeInt},
			{Name: "refs", Type: schema.TypeList, Elem: &schema.Field{Name: "ref", Type: schema.TypeString}},
		}),
		RequiredScopes: []string{"tracker:write", "chat:write", "vcs:write"},
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			issues, err := issueList(in["issues"])
			if err != nil {
				return nil, err
			}
			created, deduplicated := 0, 0
			refs := []any{}
			for _, is := range issues {
				ref, err := d.dispatch(ctx, is, str(in["repo"]), str(in["channel"]))
				if errkind.KindOf(err) == errkind.Conflict {
					deduplicated++
					refs = append(refs, ref)
					continue
				}
				if err != nil {
					return nil, err
				}
				created++
				refs = append(refs, ref)
				log.Debug("issue published", zap.String("sink", string(is.Sink)), zap.String("ref", ref))
			}
			return action.Outputs{"created": created, "deduplicated": deduplicated, "refs": refs}, nil
		},
	}
}

func (d Deps) dispatch(ctx context.Context, is review.Issue, repo, channel string) (string, error) {
	title := firstLine(is.BodyMD)
	switch is.Sink {
	case review.SinkTracker:
		return d.Tracker.CreateTicket(ctx, adapters.Ticket{
			Title:          title,
			Body:           is.BodyMD,
			Labels:         is.Labels,
			Priority:       is.Priority,
			IdempotencyKey: is.IdempotencyKey,
		})
	case review.SinkChat:
		return d.Chat.PostMessage(ctx, channel, is.BodyMD)
	case review.SinkVcsIssue:
		return d.Vcs.OpenIssue(ctx, repo, title, is.BodyMD, is.Labels)
	default:
		return "", errkind.New(errkind.InvalidInput, "unsupported sink: %s", is.Sink)
	}
}

func llmComplete(d Deps) action.Def {
	return action.Def{
		Name:        "llm_complete",
		Idempotency: action.Read,
		Timeout:     60 * time.Second,
		Inputs: schema.MustCompile(llmrouter.SchemaVersion, []schema.Field{
			{Name: "task", Type: schema.TypeEnum, Required: true, Enum: []string{"summarize", "classify", "review", "generate_fix"}},
			{Name: "prompt", Type: schema.TypeString, Required: true},
			{Name: "model_hint", Type: schema.TypeString},
		}),
		Outputs: schema.MustCompile(llmrouter.SchemaVersion, []schema.Field{
			{Name: "text", Type: schema.TypeString},
			{Name: "model", Type: schema.TypeString},
			{Name: "cost", Type: schema.TypeFloat},
			{Name: "quality", Type: schema.TypeFloat},
			{Name: "cache_hit", Type: schema.TypeBool},
			{Name: "tokens_in", Type: schema.TypeInt},
			{Name: "tokens_out", Type: schema.TypeInt},
		}),
		Handler: func(ctx context.Context, in action.Inputs) (action.Outputs, error) {
			resp, err := d.Router.Route(ctx, llmrouter.Request{
				TaskKind:  llmrouter.TaskKind(str(in["task"])),
				Prompt:    str(in["prompt"]),
				ModelHint: str(in["model_hint"]),
			}, engine.BudgetFrom(ctx))
			if err != nil {
				return nil, err
			}
			return action.Outputs{
				"text":       resp.Text,
				"model":      resp.ModelUsed,
				"cost":       resp.Cost,
				"quality":    resp.QualityScore,
				"cache_hit":  resp.CacheHit,
				"tokens_in":  resp.TokensIn,
				"tokens_out": resp.TokensOut,
			}, nil
		},
	}
}

// issueField is the wire shape of one routed issue shared by the analyzer
// output and the publisher input.
func issueField() *schema.Field {
	return &schema.Field{Name: "issue", Type: schema.TypeStruct, Fields: []schema.Field{
		{Name: "sink", Type: schema.TypeString, Required: true},
		{Name: "body_md", Type: schema.TypeString},
		{Name: "correlates_to", Type: schema.TypeString},
		{Name: "idempotency_key", Type: schema.TypeString, Required: true},
		{Name: "priority", Type: schema.TypeInt},
		{Name: "labels", Type: schema.TypeList, Elem: &schema.Field{Name: "label", Type: schema.TypeString}},
	}}
}

func rawFindings(v any) ([]review.RawFinding, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errkind.New(errkind.InvalidInput, "findings must be a list")
	}
	out := make([]review.RawFinding, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errkind.New(errkind.InvalidInput, "finding must be an object")
		}
		out = append(out, review.RawFinding{
			Source:       str(m["source"]),
			Kind:         str(m["kind"]),
			Severity:     str(m["severity"]),
			File:         str(m["file"]),
			Line:         intOf(m["line"]),
			Title:        str(m["title"]),
			Body:         str(m["body"]),
			SuggestedFix: str(m["suggested_fix"]),
			Confidence:   floatOf(m["confidence"]),
			Tags:         toStringList(m["tags"]),
		})
	}
	return out, nil
}

func issueList(v any) ([]review.Issue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "encode issues")
	}
	var issues []review.Issue
	if err := json.Unmarshal(b, &issues); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "decode issues")
	}
	return issues, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

func floatOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
