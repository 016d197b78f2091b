package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResultRoundTrip(t *testing.T) {
	s := testStore(t)
	res := &Result{
		RunID:           "01J0TESTRUN",
		Workflow:        "review-pipeline",
		WorkflowVersion: 2,
		Status:          RunOK,
		Message:         "4 steps completed",
		Steps: []StepResult{
			{StepID: "fetch", Action: "fetch_pr", Status: StepOK, Attempts: 1},
			{StepID: "comment", Action: "post_comment", Status: StepSkipped},
		},
		Outputs:    map[string]any{"findings": float64(0)},
		CostUSD:    0.0123,
		StartedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 8, 1, 10, 0, 42, 0, time.UTC),
	}
	if err := s.SaveResult(res); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadResult("01J0TESTRUN")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunOK || got.CostUSD != 0.0123 || len(got.Steps) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Steps[1].Status != StepSkipped {
		t.Fatalf("step status: %q", got.Steps[1].Status)
	}
}

func TestLoadResultMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.LoadResult("nope")
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := testStore(t)
	if err := s.SaveResult(&Result{RunID: "r1", Status: RunFailed}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "runs", "r1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSnapshotPrefersTerminalResult(t *testing.T) {
	s := testStore(t)
	runID := "r2"
	if err := s.AppendProgress(Progress{RunID: runID, Event: "step_started", StepID: "fetch"}); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadSnapshot(runID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != RunRunning || snap.CurrentStepID != "fetch" {
		t.Fatalf("live snapshot: %+v", snap)
	}

	if err := s.SaveResult(&Result{RunID: runID, Status: RunBlocked, FailureReason: "merge blocked"}); err != nil {
		t.Fatal(err)
	}
	snap, err = s.LoadSnapshot(runID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != RunBlocked || snap.FailureReason != "merge blocked" {
		t.Fatalf("terminal snapshot: %+v", snap)
	}
}

func TestSnapshotUnknownRun(t *testing.T) {
	s := testStore(t)
	_, err := s.LoadSnapshot("ghost")
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestProgressAppendsLines(t *testing.T) {
	s := testStore(t)
	for _, ev := range []string{"run_started", "step_started", "step_finished"} {
		if err := s.AppendProgress(Progress{RunID: "r3", Event: ev}); err != nil {
			t.Fatal(err)
		}
	}
	b, err := os.ReadFile(filepath.Join(s.Root(), "runs", "r3", "progress.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
}

func TestListRunsSorted(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"02B", "01A", "03C"} {
		if _, err := s.RunDir(id); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"01A", "02B", "03C"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids=%v", ids)
		}
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	s := testStore(t)
	if _, err := s.RunDir("../escape"); errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("traversal accepted")
	}
	if err := s.SaveStepArtifact("r1", "a/b", nil); errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("bad step id accepted")
	}
}

func TestStepStatusTerminalSet(t *testing.T) {
	for _, st := range []RunStatus{RunOK, RunFailed, RunPartial, RunCancelled, RunBlocked} {
		if !st.Terminal() {
			t.Fatalf("%q should be terminal", st)
		}
	}
	if RunRunning.Terminal() {
		t.Fatalf("running is not terminal")
	}
}
