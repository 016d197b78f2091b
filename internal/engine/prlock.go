package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

// prLockSet serializes runs per (repo, pr_number). Contested acquirers wait
// up to the configured deadline, then fail with Conflict so the caller can
// surface a busy PR instead of racing it.
type prLockSet struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newPRLockSet() *prLockSet {
	return &prLockSet{locks: map[string]chan struct{}{}}
}

func (s *prLockSet) slot(repo string, pr int) chan struct{} {
	key := fmt.Sprintf("%s#%d", repo, pr)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// acquire returns a release func, or Conflict after the wait deadline. The
// message names the busy PR, distinguishing it from idempotency conflicts.
func (s *prLockSet) acquire(ctx context.Context, repo string, pr int, wait time.Duration) (func(), error) {
	ch := s.slot(repo, pr)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.KindOf(ctx.Err()), ctx.Err(), "waiting for pr lock %s#%d", repo, pr)
	case <-timer.C:
		return nil, errkind.New(errkind.Conflict, "pr busy: %s#%d", repo, pr)
	}
}
