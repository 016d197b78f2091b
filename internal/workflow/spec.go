// Package workflow loads and validates declarative workflow documents: a
// named DAG of steps with triggers, typed inputs, conditional execution and
// output wiring via ${{ steps.<id>.outputs.<field> }} references.
package workflow

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/event"
)

type FailureMode string

const (
	FailAbort    FailureMode = "abort"
	FailContinue FailureMode = "continue"
	FailFallback FailureMode = "fallback"
)

// OnFailure is abort, continue or fallback(<step_id>).
type OnFailure struct {
	Mode     FailureMode
	Fallback string
}

func (o OnFailure) String() string {
	if o.Mode == FailFallback {
		return fmt.Sprintf("fallback(%s)", o.Fallback)
	}
	return string(o.Mode)
}

func (o OnFailure) MarshalYAML() (any, error) { return o.String(), nil }

func (o *OnFailure) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseOnFailure(raw)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Duration accepts Go duration strings ("30s", "2m") and bare second
// counts in yaml documents.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return errkind.New(errkind.InvalidWorkflow, "invalid duration: %q", raw)
}

var fallbackRe = regexp.MustCompile(`^fallback\(([A-Za-z0-9_.-]+)\)$`)

func parseOnFailure(raw string) (OnFailure, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "abort":
		return OnFailure{Mode: FailAbort}, nil
	case "continue":
		return OnFailure{Mode: FailContinue}, nil
	}
	if m := fallbackRe.FindStringSubmatch(raw); m != nil {
		return OnFailure{Mode: FailFallback, Fallback: m[1]}, nil
	}
	return OnFailure{}, errkind.New(errkind.InvalidWorkflow, "invalid on_failure: %q", raw)
}

type Trigger struct {
	On         string `yaml:"on"`
	Conditions string `yaml:"conditions,omitempty"`
}

type InputDef struct {
	Type        string `yaml:"type"`
	Default     any    `yaml:"default,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type Step struct {
	ID        string         `yaml:"id"`
	Action    string         `yaml:"action"`
	With      map[string]any `yaml:"with,omitempty"`
	When      string         `yaml:"when,omitempty"`
	OnFailure OnFailure      `yaml:"on_failure,omitempty"`
	Priority  int            `yaml:"priority,omitempty"`
	Timeout   Duration       `yaml:"timeout,omitempty"`

	// Compiled at load time; not serialized.
	whenExpr *Expr `yaml:"-"`
}

// WhenExpr returns the compiled condition (nil-safe; empty means always).
func (s *Step) WhenExpr() *Expr { return s.whenExpr }

type Spec struct {
	Name     string              `yaml:"name"`
	Version  int                 `yaml:"version"`
	Triggers []Trigger           `yaml:"triggers"`
	Inputs   map[string]InputDef `yaml:"inputs,omitempty"`
	Steps    []Step              `yaml:"steps"`
	Outputs  map[string]string   `yaml:"outputs,omitempty"`
}

// Load parses a workflow document. Unknown fields, malformed expressions,
// cyclic step graphs and dangling references are all InvalidWorkflow.
func Load(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, errkind.Wrap(errkind.InvalidWorkflow, err, "parse workflow")
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadFile(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidWorkflow, err, "read workflow %s", path)
	}
	return Load(b)
}

// Marshal serializes the spec; Load(Marshal(s)) is a fixed point for valid
// specs modulo formatting.
func (s *Spec) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func (s *Spec) compile() error {
	for i := range s.Steps {
		st := &s.Steps[i]
		expr, err := ParseExpr(st.When)
		if err != nil {
			return errkind.Wrap(errkind.InvalidWorkflow, err, "step %s: when", st.ID)
		}
		st.whenExpr = expr
	}
	return nil
}

// Validate enforces the structural invariants: unique ids, non-empty
// triggers, a DAG, resolvable step references and valid fallback targets.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errkind.New(errkind.InvalidWorkflow, "workflow name is required")
	}
	if s.Version <= 0 {
		return errkind.New(errkind.InvalidWorkflow, "workflow %s: version must be a positive integer", s.Name)
	}
	if len(s.Triggers) == 0 {
		return errkind.New(errkind.InvalidWorkflow, "workflow %s: trigger set is empty", s.Name)
	}
	for _, tr := range s.Triggers {
		if _, err := event.ParseKind(tr.On); err != nil {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: trigger on %q is not an event kind", s.Name, tr.On)
		}
		if _, err := ParseExpr(tr.Conditions); err != nil {
			return errkind.Wrap(errkind.InvalidWorkflow, err, "workflow %s: trigger conditions", s.Name)
		}
	}
	if len(s.Steps) == 0 {
		return errkind.New(errkind.InvalidWorkflow, "workflow %s: no steps", s.Name)
	}

	ids := map[string]bool{}
	for _, st := range s.Steps {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: step with empty id", s.Name)
		}
		if ids[id] {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: duplicate step id %q", s.Name, id)
		}
		if strings.TrimSpace(st.Action) == "" {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: step %s has no action", s.Name, id)
		}
		for k, v := range st.With {
			if err := ValidateRefs(v); err != nil {
				return errkind.Wrap(errkind.InvalidWorkflow, err, "workflow %s: step %s input %s", s.Name, id, k)
			}
		}
		ids[id] = true
	}

	for _, st := range s.Steps {
		for _, dep := range s.Dependencies(st.ID) {
			if !ids[dep] {
				return errkind.New(errkind.InvalidWorkflow, "workflow %s: step %s references unknown step %q", s.Name, st.ID, dep)
			}
		}
		if st.OnFailure.Mode == FailFallback && !ids[st.OnFailure.Fallback] {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: step %s fallback targets unknown step %q", s.Name, st.ID, st.OnFailure.Fallback)
		}
	}

	for name, ref := range s.Outputs {
		if refs := StepRefs(ref); len(refs) == 0 {
			return errkind.New(errkind.InvalidWorkflow, "workflow %s: output %s is not a step reference", s.Name, name)
		} else {
			for _, dep := range refs {
				if !ids[dep] {
					return errkind.New(errkind.InvalidWorkflow, "workflow %s: output %s references unknown step %q", s.Name, name, dep)
				}
			}
		}
	}

	if _, err := s.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// Step returns the step with the given id.
func (s *Spec) Step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Dependencies returns the ids of the steps a step's inputs and condition
// reference, deduplicated and sorted.
func (s *Spec) Dependencies(id string) []string {
	st := s.Step(id)
	if st == nil {
		return nil
	}
	set := map[string]bool{}
	for _, v := range st.With {
		for _, dep := range valueStepRefs(v) {
			set[dep] = true
		}
	}
	if st.whenExpr != nil {
		for _, path := range st.whenExpr.Paths() {
			if len(path) >= 2 && path[0] == "steps" {
				set[path[1]] = true
			}
		}
	}
	delete(set, st.ID)
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// TopoOrder returns a deterministic topological order of step ids, breaking
// ties by declared priority (descending) then id. Cycles are
// InvalidWorkflow.
func (s *Spec) TopoOrder() ([]string, error) {
	indeg := map[string]int{}
	dependents := map[string][]string{}
	prio := map[string]int{}
	for _, st := range s.Steps {
		indeg[st.ID] = 0
		prio[st.ID] = st.Priority
	}
	for _, st := range s.Steps {
		for _, dep := range s.Dependencies(st.ID) {
			indeg[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	ready := []string{}
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(indeg))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if prio[ready[i]] != prio[ready[j]] {
				return prio[ready[i]] > prio[ready[j]]
			}
			return ready[i] < ready[j]
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(indeg) {
		return nil, errkind.New(errkind.InvalidWorkflow, "workflow %s: steps do not form a DAG", s.Name)
	}
	return order, nil
}

// TriggeredBy reports whether any trigger fires for the given event kind.
func (s *Spec) TriggeredBy(kind event.Kind) bool {
	for _, tr := range s.Triggers {
		if k, err := event.ParseKind(tr.On); err == nil && k == kind {
			return true
		}
	}
	return false
}
