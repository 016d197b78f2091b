// Package state persists run artifacts under the state directory. Layout:
// runs/<run_id>/ holds workflow.json, result.json, progress.ndjson and
// steps/<step_id>.json; cache/ is managed by the cache package. All document
// writes go to a temp file in the same directory and are renamed into place.
package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunOK        RunStatus = "ok"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
	RunBlocked   RunStatus = "blocked"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunOK, RunFailed, RunPartial, RunCancelled, RunBlocked:
		return true
	}
	return false
}

type StepStatus string

const (
	StepOK          StepStatus = "ok"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepTimedOut    StepStatus = "timed_out"
	StepCircuitOpen StepStatus = "circuit_open"
	StepCached      StepStatus = "cached"
)

// StepResult is the persisted record of one step execution.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Action     string         `json:"action"`
	Status     StepStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Result is the terminal record of a run: machine-readable summary plus a
// human message.
type Result struct {
	RunID           string         `json:"run_id"`
	Workflow        string         `json:"workflow"`
	WorkflowVersion int            `json:"workflow_version"`
	Status          RunStatus      `json:"status"`
	Message         string         `json:"message,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Steps           []StepResult   `json:"steps"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	CostUSD         float64        `json:"cost_usd"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// Progress is one line of the run's progress.ndjson activity feed.
type Progress struct {
	TS     time.Time `json:"ts"`
	RunID  string    `json:"run_id"`
	Event  string    `json:"event"`
	StepID string    `json:"step_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Store roots the persisted state tree.
type Store struct {
	root string
}

// Open prepares the state directory, creating runs/ and cache/ as needed.
func Open(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errkind.New(errkind.InvalidInput, "state dir is required")
	}
	for _, sub := range []string{"runs", "cache"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err, "init state dir")
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string     { return s.root }
func (s *Store) CacheDir() string { return filepath.Join(s.root, "cache") }

// RunDir returns (and creates) the directory for a run.
func (s *Store) RunDir(runID string) (string, error) {
	if err := validateID(runID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, "runs", runID)
	if err := os.MkdirAll(filepath.Join(dir, "steps"), 0o755); err != nil {
		return "", errkind.Wrap(errkind.Internal, err, "create run dir")
	}
	return dir, nil
}

// SaveWorkflow records the workflow document the run executed.
func (s *Store) SaveWorkflow(runID string, doc any) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "workflow.json"), doc)
}

// SaveResult writes the terminal run record.
func (s *Store) SaveResult(res *Result) error {
	if res == nil {
		return errkind.New(errkind.InvalidInput, "result is nil")
	}
	dir, err := s.RunDir(res.RunID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "result.json"), res)
}

// LoadResult reads a run's terminal record. Missing runs are InvalidInput.
func (s *Store) LoadResult(runID string) (*Result, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.root, "runs", runID, "result.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errkind.New(errkind.InvalidInput, "run %s has no result", runID)
		}
		return nil, errkind.Wrap(errkind.Internal, err, "read result")
	}
	var res Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "decode result for run %s", runID)
	}
	return &res, nil
}

// SaveStepArtifact persists one step's outputs under steps/.
func (s *Store) SaveStepArtifact(runID, stepID string, v any) error {
	if err := validateID(stepID); err != nil {
		return err
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "steps", stepID+".json"), v)
}

// AppendProgress appends one event to the run's activity feed. The feed is
// best-effort; a terminal result.json is authoritative over it.
func (s *Store) AppendProgress(p Progress) error {
	dir, err := s.RunDir(p.RunID)
	if err != nil {
		return err
	}
	if p.TS.IsZero() {
		p.TS = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "encode progress")
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "open progress feed")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return errkind.Wrap(errkind.Internal, err, "append progress")
	}
	return nil
}

// ListRuns returns known run ids, oldest first. ULIDs sort by creation time.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "list runs")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errkind.New(errkind.InvalidInput, "id is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return errkind.New(errkind.InvalidInput, "invalid id: %q", id)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "encode %s", filepath.Base(path))
	}
	return WriteFileAtomic(path, append(b, '\n'))
}

// WriteFileAtomic writes via a temp file in the target directory followed by
// a rename, so readers never observe a partial document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errkind.Wrap(errkind.Internal, err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errkind.Wrap(errkind.Internal, err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errkind.Wrap(errkind.Internal, err, "rename %s", filepath.Base(path))
	}
	return nil
}

// Snapshot is the compact live view of a run assembled from its artifacts.
type Snapshot struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	LastEvent     string    `json:"last_event,omitempty"`
	CurrentStepID string    `json:"current_step_id,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// LoadSnapshot reads a run's artifacts. A terminal result.json is
// authoritative; otherwise the last progress event reports live activity.
func (s *Store) LoadSnapshot(runID string) (*Snapshot, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, "runs", runID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errkind.New(errkind.InvalidInput, "unknown run: %s", runID)
		}
		return nil, errkind.Wrap(errkind.Internal, err, "stat run dir")
	}

	snap := &Snapshot{RunID: runID, Status: RunRunning}
	if res, err := s.LoadResult(runID); err == nil {
		snap.Status = res.Status
		snap.FailureReason = res.FailureReason
		snap.LastEventAt = res.FinishedAt
		return snap, nil
	} else if errkind.KindOf(err) != errkind.InvalidInput {
		return nil, err
	}

	last, found, err := readLastProgress(filepath.Join(dir, "progress.ndjson"))
	if err != nil {
		return nil, err
	}
	if found {
		snap.LastEvent = last.Event
		snap.CurrentStepID = last.StepID
		snap.LastEventAt = last.TS
		snap.FailureReason = last.Detail
		if last.Event != "step_failed" {
			snap.FailureReason = ""
		}
	}
	return snap, nil
}

func readLastProgress(path string) (Progress, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Progress{}, false, nil
		}
		return Progress{}, false, errkind.Wrap(errkind.Internal, err, "read progress feed")
	}
	last := ""
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	if last == "" {
		return Progress{}, false, nil
	}
	var p Progress
	if err := json.Unmarshal([]byte(last), &p); err != nil {
		return Progress{}, false, errkind.Wrap(errkind.Internal, err, "decode %s", filepath.Base(path))
	}
	return p, true, nil
}
