// Package action holds the registry of callable actions. Registration is
// one-shot at process start; inputs and outputs are schema-validated on
// every execution.
package action

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/schema"
)

// Idempotency governs default retry behavior: pure retries freely, read
// retries with jitter, effectful retries only transport errors and requires
// an idempotency key.
type Idempotency string

const (
	Pure      Idempotency = "pure"
	Read      Idempotency = "read"
	Effectful Idempotency = "effectful"
)

type Inputs map[string]any
type Outputs map[string]any

// Handler executes one action. The context carries the step deadline; the
// handler must not outlive it.
type Handler func(ctx context.Context, in Inputs) (Outputs, error)

type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
}

// DefaultRetryFor returns the policy for an idempotency class. The engine
// applies it when neither the action nor its config declare retry caps.
func DefaultRetryFor(class Idempotency) RetryPolicy {
	switch class {
	case Effectful:
		return RetryPolicy{MaxAttempts: 3, MaxElapsed: 30 * time.Second}
	default:
		return RetryPolicy{MaxAttempts: 3, MaxElapsed: 30 * time.Second}
	}
}

type Def struct {
	Name           string
	Inputs         *schema.Schema
	Outputs        *schema.Schema
	Idempotency    Idempotency
	Timeout        time.Duration
	Retry          RetryPolicy
	RequiredScopes []string
	Handler        Handler
}

type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Def
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Def{}}
}

// Register adds a definition. Duplicate names and registration after Seal
// fail fast: discovery is explicit, never scanned.
func (r *Registry) Register(def Def) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errkind.New(errkind.InvalidInput, "action name is required")
	}
	if def.Handler == nil {
		return errkind.New(errkind.InvalidInput, "action %s missing handler", def.Name)
	}
	switch def.Idempotency {
	case Pure, Read, Effectful:
	default:
		return errkind.New(errkind.InvalidInput, "action %s has unknown idempotency class %q", def.Name, def.Idempotency)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errkind.New(errkind.InvalidInput, "registry is sealed; cannot register %s", def.Name)
	}
	if _, ok := r.defs[def.Name]; ok {
		return errkind.New(errkind.InvalidInput, "duplicate action name: %s", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Seal freezes the registry after startup registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(name)]
	return def, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute resolves and runs an action with schema validation on both sides.
// Input violations are InvalidInput; an action returning outputs that do not
// match its declared schema is a SchemaMismatch (a bug in the action).
func (r *Registry) Execute(ctx context.Context, name string, in Inputs) (Outputs, error) {
	def, ok := r.Resolve(name)
	if !ok {
		return nil, errkind.New(errkind.InvalidWorkflow, "unknown action: %s", name)
	}
	if in == nil {
		in = Inputs{}
	}
	withDefaults := def.Inputs.ApplyDefaults(in)
	if err := def.Inputs.Validate(withDefaults); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "action %s inputs", name)
	}
	out, err := def.Handler(ctx, Inputs(withDefaults))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Outputs{}
	}
	if err := def.Outputs.Validate(out); err != nil {
		return nil, errkind.Wrap(errkind.SchemaMismatch, err, "action %s outputs", name)
	}
	return out, nil
}
