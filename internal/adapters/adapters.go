// Package adapters defines the uniform interfaces to external collaborators
// and the in-memory doubles tests run against. All methods honor the context
// deadline and return closed-taxonomy errors.
package adapters

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

// PullRequest is the slice of VCS state actions operate on.
type PullRequest struct {
	Repo       string   `json:"repo"`
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Author     string   `json:"author"`
	Branch     string   `json:"branch"`
	BaseBranch string   `json:"base_branch"`
	Diff       string   `json:"diff"`
	Files      []string `json:"files"`
	Labels     []string `json:"labels,omitempty"`
}

// Vcs talks to the pull request host.
type Vcs interface {
	FetchPR(ctx context.Context, repo string, number int) (*PullRequest, error)
	ListFiles(ctx context.Context, repo string, number int) ([]string, error)
	AddComment(ctx context.Context, repo string, number int, body string) (string, error)
	OpenIssue(ctx context.Context, repo, title, body string, labels []string) (string, error)
}

// Ticket is a tracker row. IdempotencyKey makes retried creates collide
// instead of duplicating.
type Ticket struct {
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Labels         []string `json:"labels,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Priority       int      `json:"priority"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// Tracker talks to the issue tracker.
type Tracker interface {
	CreateTicket(ctx context.Context, t Ticket) (string, error)
	UpdateTicket(ctx context.Context, ref string, fields map[string]any) error
	AddComment(ctx context.Context, ref, body string) error
}

// Chat posts to a messaging surface.
type Chat interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
	PostThread(ctx context.Context, channel, parentRef, text string) (string, error)
}

// Clock abstracts wall time so the engine and caches are testable.
type Clock interface {
	Now() time.Time
}

// Secrets resolves credential names to values.
type Secrets interface {
	Get(ctx context.Context, name string) (string, error)
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// EnvSecrets reads secrets from environment variables, uppercasing the name
// and applying an optional prefix (e.g. AUTOPR_SECRET_GITHUB_TOKEN).
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Get(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", errkind.New(errkind.AuthFailed, "secret %s is not set", key)
	}
	return v, nil
}
