package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

func TestMemoryVcs(t *testing.T) {
	vcs := NewMemoryVcs()
	vcs.SeedPR(&PullRequest{
		Repo:   "acme/api",
		Number: 7,
		Title:  "Fix login",
		Files:  []string{"auth.go", "auth_test.go"},
	})

	pr, err := vcs.FetchPR(context.Background(), "acme/api", 7)
	if err != nil || pr.Title != "Fix login" {
		t.Fatalf("fetch: %+v, %v", pr, err)
	}
	files, err := vcs.ListFiles(context.Background(), "acme/api", 7)
	if err != nil || len(files) != 2 {
		t.Fatalf("files: %v, %v", files, err)
	}
	if _, err := vcs.FetchPR(context.Background(), "acme/api", 99); errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("missing pr: kind=%q", errkind.KindOf(err))
	}

	ref, err := vcs.AddComment(context.Background(), "acme/api", 7, "looks good")
	if err != nil || ref == "" || len(vcs.Comments) != 1 {
		t.Fatalf("comment: %q, %v", ref, err)
	}
}

func TestMemoryVcsHonorsDeadline(t *testing.T) {
	vcs := NewMemoryVcs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := vcs.FetchPR(ctx, "a/b", 1)
	if errkind.KindOf(err) != errkind.Cancelled {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestMemoryTrackerIdempotency(t *testing.T) {
	tr := NewMemoryTracker()
	ref1, err := tr.CreateTicket(context.Background(), Ticket{Title: "bug", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := tr.CreateTicket(context.Background(), Ticket{Title: "bug", IdempotencyKey: "k1"})
	if errkind.KindOf(err) != errkind.Conflict {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
	if ref2 != ref1 {
		t.Fatalf("conflict must carry the original ref: %q vs %q", ref2, ref1)
	}
	if len(tr.Tickets) != 1 {
		t.Fatalf("duplicate row created")
	}

	// A distinct key creates a new row.
	ref3, err := tr.CreateTicket(context.Background(), Ticket{Title: "bug2", IdempotencyKey: "k2"})
	if err != nil || ref3 == ref1 {
		t.Fatalf("second ticket: %q, %v", ref3, err)
	}
}

func TestMemoryChatThreads(t *testing.T) {
	chat := NewMemoryChat()
	ts, err := chat.PostMessage(context.Background(), "#reviews", "run finished")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chat.PostThread(context.Background(), "#reviews", ts, "details"); err != nil {
		t.Fatal(err)
	}
	if len(chat.Messages["#reviews"]) != 2 {
		t.Fatalf("messages: %v", chat.Messages)
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("advanced %v", got)
	}
}

func TestSecrets(t *testing.T) {
	t.Setenv("AUTOPR_SECRET_GITHUB_TOKEN", "tok")
	env := EnvSecrets{Prefix: "AUTOPR_SECRET_"}
	v, err := env.Get(context.Background(), "github-token")
	if err != nil || v != "tok" {
		t.Fatalf("env secret: %q, %v", v, err)
	}
	_, err = env.Get(context.Background(), "missing")
	if errkind.KindOf(err) != errkind.AuthFailed {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}

	mem := MemorySecrets{"slack-token": "x"}
	if v, err := mem.Get(context.Background(), "slack-token"); err != nil || v != "x" {
		t.Fatalf("memory secret: %q, %v", v, err)
	}
}
