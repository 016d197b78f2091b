package llmrouter

import (
	"context"
	"sync"

	"github.com/autopr/autopr/internal/errkind"
)

// StaticCompleter is the test double: it returns a fixed text and token
// counts, tracks calls, and can be primed with one error.
type StaticCompleter struct {
	mu        sync.Mutex
	Text      string
	TokensIn  int
	TokensOut int
	NextErr   error
	calls     int
}

func (s *StaticCompleter) Complete(ctx context.Context, _ Model, _ Request) (string, int, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, 0, errkind.Wrap(errkind.KindOf(err), err, "llm call")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.NextErr; err != nil {
		s.NextErr = nil
		return "", 0, 0, err
	}
	in, out := s.TokensIn, s.TokensOut
	if in == 0 {
		in = 100
	}
	if out == 0 {
		out = 200
	}
	return s.Text, in, out, nil
}

func (s *StaticCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
