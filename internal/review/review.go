// Package review normalizes findings from upstream reviewer streams into one
// canonical stream, deduplicates and filters them, routes survivors to sinks
// and decides whether the merge is blocked.
package review

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// SchemaVersion versions the Finding and Issue wire shapes. Minor bumps may
// add fields; removing or retyping one requires a new major consumer
// contract.
const SchemaVersion = 1

type Kind string

const (
	KindSecurity    Kind = "security"
	KindBug         Kind = "bug"
	KindStyle       Kind = "style"
	KindTyping      Kind = "typing"
	KindPerformance Kind = "performance"
	KindDoc         Kind = "doc"
	KindTest        Kind = "test"
	KindOther       Kind = "other"
)

var knownKinds = map[Kind]bool{
	KindSecurity: true, KindBug: true, KindStyle: true, KindTyping: true,
	KindPerformance: true, KindDoc: true, KindTest: true, KindOther: true,
}

type Severity string

const (
	SevCritical Severity = "critical"
	SevHigh     Severity = "high"
	SevMedium   Severity = "medium"
	SevLow      Severity = "low"
)

// Rank orders severities; unknown ranks zero.
func (s Severity) Rank() int {
	switch s {
	case SevCritical:
		return 4
	case SevHigh:
		return 3
	case SevMedium:
		return 2
	case SevLow:
		return 1
	}
	return 0
}

// Finding is the canonical reviewer observation.
type Finding struct {
	SchemaVersion int      `json:"schema_version"`
	ID            string   `json:"id"`
	Source        string   `json:"source"`
	Kind          Kind     `json:"kind"`
	Severity      Severity `json:"severity"`
	File          string   `json:"file"`
	Line          int      `json:"line"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
	Confidence    float64  `json:"confidence"`
	Tags          []string `json:"tags,omitempty"`
}

type Sink string

const (
	SinkTracker  Sink = "tracker"
	SinkVcsIssue Sink = "vcs_issue"
	SinkChat     Sink = "chat"
	SinkEmail    Sink = "email"
)

// Issue is the routed form of a Finding, one per (finding, sink).
type Issue struct {
	SchemaVersion  int      `json:"schema_version"`
	Sink           Sink     `json:"sink"`
	SinkRef        string   `json:"sink_ref,omitempty"`
	Assignees      []string `json:"assignees,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Priority       int      `json:"priority"`
	BodyMD         string   `json:"body_md"`
	CorrelatesTo   string   `json:"correlates_to"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// RawFinding is what a reviewer stream yields before normalization.
type RawFinding struct {
	Source       string
	Kind         string
	Severity     string
	File         string
	Line         int
	Title        string
	Body         string
	SuggestedFix string
	Confidence   float64
	Tags         []string
}

// SourceMapping translates one reviewer's vocabulary to the canonical sets.
type SourceMapping struct {
	Kinds      map[string]Kind
	Severities map[string]Severity
}

// Rule routes findings to sinks. Empty Kinds matches any kind; empty Tags
// matches any tags; MinSeverity zero value matches any severity. The first
// matching rule wins.
type Rule struct {
	Kinds       []Kind
	MinSeverity Severity
	Tags        []string
	Sinks       []Sink
}

func (r Rule) matches(f Finding) bool {
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == f.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinSeverity != "" && f.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	if len(r.Tags) > 0 {
		tagged := map[string]bool{}
		for _, t := range f.Tags {
			tagged[t] = true
		}
		found := false
		for _, t := range r.Tags {
			if tagged[t] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// BlockRule is one (severity, kind) pair of the merge-block set.
type BlockRule struct {
	Severity Severity
	Kind     Kind
}

// Unrouted records a finding no rule claimed.
type Unrouted struct {
	FindingID string `json:"finding_id"`
	Title     string `json:"title"`
	Reason    string `json:"reason"`
}

// Config tunes the pipeline; zero values take the defaults below.
type Config struct {
	Threshold     Severity
	MinConfidence float64
	Rules         []Rule
	BlockSet      []BlockRule
}

// DefaultRules routes critical findings wide, important kinds to the
// tracker, and everything else to the tracker as well.
func DefaultRules() []Rule {
	return []Rule{
		{MinSeverity: SevCritical, Sinks: []Sink{SinkTracker, SinkChat}},
		{Kinds: []Kind{KindSecurity, KindBug, KindTyping, KindPerformance}, MinSeverity: SevHigh, Sinks: []Sink{SinkTracker}},
		{MinSeverity: SevLow, Sinks: []Sink{SinkTracker}},
	}
}

// DefaultBlockSet blocks merges on critical security and high typing
// findings.
func DefaultBlockSet() []BlockRule {
	return []BlockRule{
		{Severity: SevCritical, Kind: KindSecurity},
		{Severity: SevHigh, Kind: KindTyping},
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold == "" {
		c.Threshold = SevLow
	}
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.BlockSet == nil {
		c.BlockSet = DefaultBlockSet()
	}
	return c
}

// Report is the analyzer output for one run.
type Report struct {
	Findings     []Finding  `json:"findings"`
	Issues       []Issue    `json:"issues"`
	Unrouted     []Unrouted `json:"unrouted,omitempty"`
	MergeBlocked bool       `json:"merge_blocked"`
}

// Analyze runs the full pipeline over the raw reviewer streams.
func Analyze(runID string, streams []RawFinding, mappings map[string]SourceMapping, cfg Config) *Report {
	cfg = cfg.withDefaults()
	findings := Normalize(streams, mappings)
	findings = Dedupe(findings)
	findings = Filter(findings, cfg.Threshold, cfg.MinConfidence)

	rep := &Report{Findings: findings}
	for _, f := range findings {
		sinks := routeSinks(f, cfg.Rules)
		if len(sinks) == 0 {
			rep.Unrouted = append(rep.Unrouted, Unrouted{FindingID: f.ID, Title: f.Title, Reason: "no routing rule matched"})
			continue
		}
		for _, sink := range sinks {
			rep.Issues = append(rep.Issues, buildIssue(runID, f, sink))
		}
	}
	rep.MergeBlocked = MergeBlocked(findings, cfg.BlockSet)
	return rep
}

// Normalize maps source vocabularies to the canonical sets. Unknown kinds
// become other, unknown severities default to low, confidence clamps to
// [0, 1].
func Normalize(raw []RawFinding, mappings map[string]SourceMapping) []Finding {
	out := make([]Finding, 0, len(raw))
	for _, r := range raw {
		m := mappings[r.Source]

		kind := Kind(strings.ToLower(strings.TrimSpace(r.Kind)))
		if mapped, ok := m.Kinds[r.Kind]; ok {
			kind = mapped
		}
		if !knownKinds[kind] {
			kind = KindOther
		}

		sev := Severity(strings.ToLower(strings.TrimSpace(r.Severity)))
		if mapped, ok := m.Severities[r.Severity]; ok {
			sev = mapped
		}
		if sev.Rank() == 0 {
			sev = SevLow
		}

		conf := r.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}

		f := Finding{
			SchemaVersion: SchemaVersion,
			Source:        r.Source,
			Kind:          kind,
			Severity:      sev,
			File:          r.File,
			Line:          r.Line,
			Title:         strings.TrimSpace(r.Title),
			Body:          r.Body,
			SuggestedFix:  r.SuggestedFix,
			Confidence:    conf,
			Tags:          append([]string(nil), r.Tags...),
		}
		f.ID = findingID(f)
		out = append(out, f)
	}
	return out
}

// Dedupe collapses findings with identical (kind, file, line, title hash),
// keeping the highest severity, the highest confidence and the union of
// tags.
func Dedupe(findings []Finding) []Finding {
	byKey := map[string]int{}
	var out []Finding
	for _, f := range findings {
		key := f.ID
		i, seen := byKey[key]
		if !seen {
			byKey[key] = len(out)
			out = append(out, f)
			continue
		}
		kept := &out[i]
		if f.Severity.Rank() > kept.Severity.Rank() {
			kept.Severity = f.Severity
			kept.Source = f.Source
			kept.Body = f.Body
			kept.SuggestedFix = f.SuggestedFix
		}
		if f.Confidence > kept.Confidence {
			kept.Confidence = f.Confidence
		}
		kept.Tags = mergeTags(kept.Tags, f.Tags)
	}
	return out
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), a...), b...) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Filter drops findings below the severity threshold or confidence floor.
func Filter(findings []Finding, threshold Severity, minConfidence float64) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity.Rank() < threshold.Rank() {
			continue
		}
		if f.Confidence < minConfidence {
			continue
		}
		out = append(out, f)
	}
	return out
}

func routeSinks(f Finding, rules []Rule) []Sink {
	for _, r := range rules {
		if r.matches(f) {
			return r.Sinks
		}
	}
	return nil
}

// MergeBlocked reports whether any finding hits the block set.
func MergeBlocked(findings []Finding, blockSet []BlockRule) bool {
	for _, f := range findings {
		for _, b := range blockSet {
			if f.Severity == b.Severity && f.Kind == b.Kind {
				return true
			}
		}
	}
	return false
}

func buildIssue(runID string, f Finding, sink Sink) Issue {
	return Issue{
		SchemaVersion:  SchemaVersion,
		Sink:           sink,
		Labels:         append([]string{string(f.Kind), string(f.Severity)}, f.Tags...),
		Priority:       priorityFor(f.Severity),
		BodyMD:         renderBody(f),
		CorrelatesTo:   f.ID,
		IdempotencyKey: IdempotencyKey(runID, f.ID, sink),
	}
}

func priorityFor(s Severity) int {
	switch s {
	case SevCritical:
		return 1
	case SevHigh:
		return 2
	case SevMedium:
		return 3
	default:
		return 4
	}
}

func renderBody(f Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", f.Title)
	fmt.Fprintf(&b, "- **Kind**: %s\n- **Severity**: %s\n- **Location**: `%s:%d`\n- **Confidence**: %.2f\n", f.Kind, f.Severity, f.File, f.Line, f.Confidence)
	if f.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Body)
	}
	if f.SuggestedFix != "" {
		fmt.Fprintf(&b, "\n**Suggested fix**\n\n```\n%s\n```\n", f.SuggestedFix)
	}
	return b.String()
}

// findingID hashes the dedupe identity (kind, file, line, title).
func findingID(f Finding) string {
	h := blake3.New()
	for _, part := range []string{string(f.Kind), f.File, fmt.Sprint(f.Line), strings.ToLower(f.Title)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// IdempotencyKey is stable across retries of the same (run, finding, sink).
func IdempotencyKey(runID, findingID string, sink Sink) string {
	h := blake3.New()
	for _, part := range []string{runID, findingID, string(sink)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
