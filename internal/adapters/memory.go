package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

// MemoryVcs is a test double seeded with pull requests. Mutations are
// recorded so assertions can inspect side effects; NextErr injects one
// failure into the next call.
type MemoryVcs struct {
	mu      sync.Mutex
	prs     map[string]*PullRequest
	NextErr error

	Comments []string
	Issues   []string
}

func NewMemoryVcs() *MemoryVcs {
	return &MemoryVcs{prs: map[string]*PullRequest{}}
}

func prKey(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

func (m *MemoryVcs) SeedPR(pr *PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prs[prKey(pr.Repo, pr.Number)] = pr
}

func (m *MemoryVcs) takeErr() error {
	err := m.NextErr
	m.NextErr = nil
	return err
}

func (m *MemoryVcs) FetchPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindOf(err), err, "fetch pr")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	pr, ok := m.prs[prKey(repo, number)]
	if !ok {
		return nil, errkind.New(errkind.InvalidInput, "no such pull request: %s#%d", repo, number)
	}
	cp := *pr
	return &cp, nil
}

func (m *MemoryVcs) ListFiles(ctx context.Context, repo string, number int) ([]string, error) {
	pr, err := m.FetchPR(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), pr.Files...), nil
}

func (m *MemoryVcs) AddComment(ctx context.Context, repo string, number int, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errkind.Wrap(errkind.KindOf(err), err, "add comment")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return "", err
	}
	if _, ok := m.prs[prKey(repo, number)]; !ok {
		return "", errkind.New(errkind.InvalidInput, "no such pull request: %s#%d", repo, number)
	}
	m.Comments = append(m.Comments, body)
	return fmt.Sprintf("comment-%d", len(m.Comments)), nil
}

func (m *MemoryVcs) OpenIssue(ctx context.Context, repo, title, body string, labels []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errkind.Wrap(errkind.KindOf(err), err, "open issue")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return "", err
	}
	m.Issues = append(m.Issues, title)
	return fmt.Sprintf("%s/issues/%d", repo, len(m.Issues)), nil
}

// MemoryTracker records tickets and enforces idempotency keys: a second
// create with a seen key fails with Conflict carrying the original ref.
type MemoryTracker struct {
	mu      sync.Mutex
	NextErr error

	Tickets  map[string]Ticket
	byKey    map[string]string
	Updates  []string
	Comments map[string][]string
	nextID   int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		Tickets:  map[string]Ticket{},
		byKey:    map[string]string{},
		Comments: map[string][]string{},
	}
}

func (m *MemoryTracker) CreateTicket(ctx context.Context, t Ticket) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errkind.Wrap(errkind.KindOf(err), err, "create ticket")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.NextErr; err != nil {
		m.NextErr = nil
		return "", err
	}
	if t.IdempotencyKey != "" {
		if ref, ok := m.byKey[t.IdempotencyKey]; ok {
			return ref, errkind.New(errkind.Conflict, "ticket exists: %s", ref)
		}
	}
	m.nextID++
	ref := fmt.Sprintf("TICKET-%d", m.nextID)
	m.Tickets[ref] = t
	if t.IdempotencyKey != "" {
		m.byKey[t.IdempotencyKey] = ref
	}
	return ref, nil
}

func (m *MemoryTracker) UpdateTicket(ctx context.Context, ref string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.KindOf(err), err, "update ticket")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Tickets[ref]; !ok {
		return errkind.New(errkind.InvalidInput, "no such ticket: %s", ref)
	}
	m.Updates = append(m.Updates, ref)
	return nil
}

func (m *MemoryTracker) AddComment(ctx context.Context, ref, body string) error {
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.KindOf(err), err, "comment ticket")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Tickets[ref]; !ok {
		return errkind.New(errkind.InvalidInput, "no such ticket: %s", ref)
	}
	m.Comments[ref] = append(m.Comments[ref], body)
	return nil
}

// MemoryChat records posted messages keyed by channel.
type MemoryChat struct {
	mu       sync.Mutex
	NextErr  error
	Messages map[string][]string
	nextTS   int
}

func NewMemoryChat() *MemoryChat {
	return &MemoryChat{Messages: map[string][]string{}}
}

func (m *MemoryChat) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errkind.Wrap(errkind.KindOf(err), err, "post message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.NextErr; err != nil {
		m.NextErr = nil
		return "", err
	}
	m.Messages[channel] = append(m.Messages[channel], text)
	m.nextTS++
	return fmt.Sprintf("%d.000", m.nextTS), nil
}

func (m *MemoryChat) PostThread(ctx context.Context, channel, parentRef, text string) (string, error) {
	return m.PostMessage(ctx, channel, parentRef+" :: "+text)
}

// FakeClock steps time manually.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MemorySecrets is a fixed map of secrets.
type MemorySecrets map[string]string

func (m MemorySecrets) Get(_ context.Context, name string) (string, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	return "", errkind.New(errkind.AuthFailed, "secret %s is not set", name)
}
