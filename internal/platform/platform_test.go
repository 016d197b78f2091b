package platform

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/autopr/autopr/internal/errkind"
)

func TestDetectMultiHit(t *testing.T) {
	// A repo with a .replit file, a lovable dependency and a lovable commit
	// must match both platforms, lovable first, with the prototype-to-ide
	// hybrid hint.
	snap := &Snapshot{
		Files:   []string{".replit", "package.json"},
		Deps:    []string{"@lovable/core"},
		Commits: []string{"chore: lovable init"},
	}
	res := Detect(Builtins(), snap)

	if res.Unknown {
		t.Fatalf("unknown result: %+v", res)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("matches: %+v", res.Matches)
	}
	if res.Matches[0].PlatformID != "lovable" || res.Matches[1].PlatformID != "replit" {
		t.Fatalf("order: %s, %s", res.Matches[0].PlatformID, res.Matches[1].PlatformID)
	}
	if math.Abs(res.Matches[0].Confidence-0.55) > 0.01 {
		t.Fatalf("lovable confidence: %v", res.Matches[0].Confidence)
	}
	if math.Abs(res.Matches[1].Confidence-0.45) > 0.01 {
		t.Fatalf("replit confidence: %v", res.Matches[1].Confidence)
	}
	if res.HybridHint != "prototype-to-ide_workflow" {
		t.Fatalf("hint: %q", res.HybridHint)
	}
}

func TestThresholdInclusive(t *testing.T) {
	sig := Signature{
		PlatformID:   "edge",
		FilePatterns: []string{"edge.toml"},
		Weights:      map[Channel]float64{ChanFiles: 0.30},
		Saturation:   map[Channel]int{ChanFiles: 1},
	}
	if err := sig.Compile(); err != nil {
		t.Fatal(err)
	}
	res := Detect([]Signature{sig}, &Snapshot{Files: []string{"edge.toml"}})
	if res.Unknown || len(res.Matches) != 1 {
		t.Fatalf("exactly-at-threshold must detect: %+v", res)
	}

	below := Signature{
		PlatformID:   "edge",
		FilePatterns: []string{"edge.toml"},
		Weights:      map[Channel]float64{ChanFiles: 0.2999},
		Saturation:   map[Channel]int{ChanFiles: 1},
	}
	if err := below.Compile(); err != nil {
		t.Fatal(err)
	}
	res = Detect([]Signature{below}, &Snapshot{Files: []string{"edge.toml"}})
	if !res.Unknown {
		t.Fatalf("below threshold must be unknown: %+v", res)
	}
	if math.Abs(res.Confidence-0.2999) > 1e-9 {
		t.Fatalf("unknown must carry the max score: %v", res.Confidence)
	}
}

func TestUnknownOnEmptyRepo(t *testing.T) {
	res := Detect(Builtins(), &Snapshot{})
	if !res.Unknown || len(res.Matches) != 0 {
		t.Fatalf("empty repo: %+v", res)
	}
	if res.Confidence != 0 {
		t.Fatalf("confidence: %v", res.Confidence)
	}
}

func TestTieBreakPriorityThenID(t *testing.T) {
	mk := func(id string, prio int) Signature {
		s := Signature{
			PlatformID:   id,
			FilePatterns: []string{"shared.txt"},
			Weights:      map[Channel]float64{ChanFiles: 0.5},
			Saturation:   map[Channel]int{ChanFiles: 1},
			Priority:     prio,
		}
		if err := s.Compile(); err != nil {
			t.Fatal(err)
		}
		return s
	}
	snap := &Snapshot{Files: []string{"shared.txt"}}

	res := Detect([]Signature{mk("zeta", 9), mk("alpha", 1)}, snap)
	if res.Matches[0].PlatformID != "zeta" {
		t.Fatalf("priority tie-break: %+v", res.Matches)
	}
	res = Detect([]Signature{mk("zeta", 1), mk("alpha", 1)}, snap)
	if res.Matches[0].PlatformID != "alpha" {
		t.Fatalf("alphabetical tie-break: %+v", res.Matches)
	}
}

func TestSaturationBoundsChannel(t *testing.T) {
	sig := Signature{
		PlatformID:   "many",
		FilePatterns: []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"},
	}
	if err := sig.Compile(); err != nil {
		t.Fatal(err)
	}
	m := sig.Score(&Snapshot{Files: []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"}})
	// Five hits saturate at 3, so the files channel contributes its full
	// weight and no more.
	if math.Abs(m.Evidence[ChanFiles]-0.40) > 1e-9 {
		t.Fatalf("files evidence: %v", m.Evidence[ChanFiles])
	}
}

func TestGlobAnchoring(t *testing.T) {
	sig := Signature{
		PlatformID:   "nested",
		FilePatterns: []string{"manage.py"},
		Weights:      map[Channel]float64{ChanFiles: 0.5},
		Saturation:   map[Channel]int{ChanFiles: 1},
	}
	if err := sig.Compile(); err != nil {
		t.Fatal(err)
	}
	m := sig.Score(&Snapshot{Files: []string{"backend/app/manage.py"}})
	if m.Confidence != 0.5 {
		t.Fatalf("unanchored glob must match at depth: %v", m.Confidence)
	}
}

func TestContentRegexAndLiteral(t *testing.T) {
	sig := Signature{
		PlatformID:      "rgx",
		ContentPatterns: []string{"re:from ['\"]next/", "figma.com/file/"},
		Weights:         map[Channel]float64{ChanContent: 0.6},
		Saturation:      map[Channel]int{ChanContent: 2},
	}
	if err := sig.Compile(); err != nil {
		t.Fatal(err)
	}
	m := sig.Score(&Snapshot{Content: map[string]string{
		"page.tsx":  `import Link from "next/link"`,
		"README.md": "design: https://www.figma.com/file/abc",
	}})
	if math.Abs(m.Confidence-0.6) > 1e-9 {
		t.Fatalf("both content patterns should hit: %v", m.Confidence)
	}
}

func TestCompileRejectsBadSignatures(t *testing.T) {
	cases := []Signature{
		{PlatformID: ""},
		{PlatformID: "w", Weights: map[Channel]float64{ChanFiles: 0.8, ChanDeps: 0.5}},
		{PlatformID: "w", Weights: map[Channel]float64{ChanFiles: -0.1}},
		{PlatformID: "w", ContentPatterns: []string{"re:("}},
	}
	for i := range cases {
		if err := cases[i].Compile(); errkind.KindOf(err) != errkind.InvalidInput {
			t.Fatalf("case %d accepted", i)
		}
	}
}

func TestRegistryLoadAndShadow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signatures.yaml")
	doc := `
signatures:
  - platform_id: custom
    file_patterns: ["custom.lock"]
    weights: {files: 0.5}
    saturation: {files: 1}
  - platform_id: replit
    file_patterns: ["my.replit"]
    weights: {files: 0.9}
    saturation: {files: 1}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path, nil)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	res := r.Detect(&Snapshot{Files: []string{"custom.lock"}})
	if res.Unknown || res.Matches[0].PlatformID != "custom" {
		t.Fatalf("custom signature not active: %+v", res)
	}

	// The file's replit entry shadows the builtin.
	res = r.Detect(&Snapshot{Files: []string{".replit"}})
	if !res.Unknown {
		t.Fatalf("builtin replit should be shadowed: %+v", res)
	}
	res = r.Detect(&Snapshot{Files: []string{"my.replit"}})
	if res.Unknown || res.Matches[0].PlatformID != "replit" {
		t.Fatalf("shadowing signature not active: %+v", res)
	}
}

func TestRegistryBadFileKeepsCurrentSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signatures.yaml")
	if err := os.WriteFile(path, []byte("signatures: [{platform_id: '', file_patterns: [x]}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path, nil)
	before := len(r.Signatures())
	if err := r.Load(); err == nil {
		t.Fatalf("bad file accepted")
	}
	if len(r.Signatures()) != before {
		t.Fatalf("active set changed after failed load")
	}
}

func TestSnapshotFromDir(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel, body string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(".replit", "run = \"npm start\"")
	mustWrite("package.json", `{"dependencies": {"@lovable/core": "^1.0.0", "react": "^18.0.0"}}`)
	mustWrite("src/App.tsx", `import React from "react"`)
	mustWrite("node_modules/react/index.js", "ignored")

	snap, err := SnapshotFromDir(dir, []string{"chore: lovable init"})
	if err != nil {
		t.Fatal(err)
	}
	hasFile := func(name string) bool {
		for _, f := range snap.Files {
			if f == name {
				return true
			}
		}
		return false
	}
	if !hasFile(".replit") || !hasFile("package.json") || !hasFile("src/App.tsx") {
		t.Fatalf("files: %v", snap.Files)
	}
	if hasFile("node_modules/react/index.js") {
		t.Fatalf("node_modules not skipped")
	}
	hasDep := func(name string) bool {
		for _, d := range snap.Deps {
			if d == name {
				return true
			}
		}
		return false
	}
	if !hasDep("@lovable/core") || !hasDep("react") {
		t.Fatalf("deps: %v", snap.Deps)
	}

	res := Detect(Builtins(), snap)
	if res.Unknown || res.Matches[0].PlatformID != "lovable" {
		t.Fatalf("end to end detect: %+v", res)
	}
}

func TestSnapshotFromDirRejectsFiles(t *testing.T) {
	_, err := SnapshotFromDir(filepath.Join(t.TempDir(), "missing"), nil)
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}
