// Package platform scores weighted signatures against a repo snapshot to
// decide which app platform (or combination) produced it.
package platform

import (
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/autopr/autopr/internal/errkind"
)

type Channel string

const (
	ChanFiles   Channel = "files"
	ChanDeps    Channel = "deps"
	ChanFolders Channel = "folders"
	ChanCommits Channel = "commits"
	ChanContent Channel = "content"
)

var channels = []Channel{ChanFiles, ChanDeps, ChanFolders, ChanCommits, ChanContent}

// DefaultWeights is the canonical channel weight table. Signatures may
// override individual channels; the sum must stay at or below 1.
func DefaultWeights() map[Channel]float64 {
	return map[Channel]float64{
		ChanFiles:   0.40,
		ChanDeps:    0.30,
		ChanFolders: 0.15,
		ChanCommits: 0.10,
		ChanContent: 0.05,
	}
}

// DefaultSaturation caps per-channel hit counts so one channel with many
// matched patterns cannot dominate.
const DefaultSaturation = 3

// DetectThreshold is inclusive: a score of exactly 0.30 counts as detected.
const DetectThreshold = 0.30

// Signature describes one platform. Weights and Saturation override the
// defaults per channel.
type Signature struct {
	PlatformID      string              `yaml:"platform_id"`
	FilePatterns    []string            `yaml:"file_patterns,omitempty"`
	DepPatterns     []string            `yaml:"dep_patterns,omitempty"`
	FolderPatterns  []string            `yaml:"folder_patterns,omitempty"`
	CommitPatterns  []string            `yaml:"commit_patterns,omitempty"`
	ContentPatterns []string            `yaml:"content_patterns,omitempty"`
	Weights         map[Channel]float64 `yaml:"weights,omitempty"`
	Saturation      map[Channel]int     `yaml:"saturation,omitempty"`
	Priority        int                 `yaml:"priority,omitempty"`

	contentRes []*regexp.Regexp
	contentLit []string
	commitRes  []*regexp.Regexp
	commitLit  []string
}

// Compile validates the signature and prepares its patterns. Unanchored
// globs get a leading **/ so they match at any depth; content and commit
// patterns are literal substrings unless prefixed re:.
func (s *Signature) Compile() error {
	if strings.TrimSpace(s.PlatformID) == "" {
		return errkind.New(errkind.InvalidInput, "signature without platform_id")
	}
	total := 0.0
	for ch, w := range s.Weights {
		if w < 0 {
			return errkind.New(errkind.InvalidInput, "signature %s: negative weight for %s", s.PlatformID, ch)
		}
		total += w
	}
	if len(s.Weights) > 0 && total > 1.0+1e-9 {
		return errkind.New(errkind.InvalidInput, "signature %s: weights sum to %.2f", s.PlatformID, total)
	}
	for _, set := range [][]string{s.FilePatterns, s.FolderPatterns, s.DepPatterns} {
		for _, p := range set {
			if !doublestar.ValidatePattern(anchorGlob(p)) {
				return errkind.New(errkind.InvalidInput, "signature %s: bad glob %q", s.PlatformID, p)
			}
		}
	}
	var err error
	s.contentRes, s.contentLit, err = compileTextPatterns(s.PlatformID, s.ContentPatterns)
	if err != nil {
		return err
	}
	s.commitRes, s.commitLit, err = compileTextPatterns(s.PlatformID, s.CommitPatterns)
	if err != nil {
		return err
	}
	return nil
}

func compileTextPatterns(id string, patterns []string) ([]*regexp.Regexp, []string, error) {
	var res []*regexp.Regexp
	var lits []string
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(rest)
			if err != nil {
				return nil, nil, errkind.Wrap(errkind.InvalidInput, err, "signature %s: bad regex %q", id, p)
			}
			res = append(res, re)
			continue
		}
		lits = append(lits, strings.ToLower(p))
	}
	return res, lits, nil
}

func anchorGlob(p string) string {
	if strings.HasPrefix(p, "**/") || strings.HasPrefix(p, "/") || strings.Contains(p, "/") {
		return strings.TrimPrefix(p, "/")
	}
	return "**/" + p
}

func (s *Signature) weight(ch Channel) float64 {
	if w, ok := s.Weights[ch]; ok {
		return w
	}
	return DefaultWeights()[ch]
}

func (s *Signature) saturation(ch Channel) int {
	if n, ok := s.Saturation[ch]; ok && n > 0 {
		return n
	}
	return DefaultSaturation
}

// Snapshot is the observable repo state the detector scores.
type Snapshot struct {
	Files   []string          `json:"files"`
	Folders []string          `json:"folders"`
	Deps    []string          `json:"deps"`
	Commits []string          `json:"commits"`
	Content map[string]string `json:"-"`
}

// Match is one detected platform with its per-channel evidence.
type Match struct {
	PlatformID string              `json:"platform_id"`
	Confidence float64             `json:"confidence"`
	Evidence   map[Channel]float64 `json:"evidence"`
}

// Result is the full detector verdict. When no signature crosses the
// threshold Unknown is true and Confidence carries the best score seen.
type Result struct {
	Matches    []Match `json:"matches"`
	Unknown    bool    `json:"unknown"`
	Confidence float64 `json:"confidence"`
	HybridHint string  `json:"hybrid_hint,omitempty"`
}

// Score computes the weighted per-channel evidence for one signature.
func (s *Signature) Score(snap *Snapshot) Match {
	m := Match{PlatformID: s.PlatformID, Evidence: map[Channel]float64{}}
	hits := map[Channel]int{
		ChanFiles:   countGlobHits(s.FilePatterns, snap.Files),
		ChanFolders: countGlobHits(s.FolderPatterns, snap.Folders),
		ChanDeps:    countGlobHits(s.DepPatterns, snap.Deps),
		ChanCommits: countTextHits(s.commitRes, s.commitLit, snap.Commits),
		ChanContent: countContentHits(s.contentRes, s.contentLit, snap.Content),
	}
	for _, ch := range channels {
		sat := s.saturation(ch)
		h := hits[ch]
		if h > sat {
			h = sat
		}
		contrib := s.weight(ch) * float64(h) / float64(sat)
		if contrib > 0 {
			m.Evidence[ch] = contrib
		}
		m.Confidence += contrib
	}
	if m.Confidence > 1 {
		m.Confidence = 1
	}
	return m
}

// countGlobHits counts patterns with at least one matching candidate; a
// pattern matching many files still counts once.
func countGlobHits(patterns, candidates []string) int {
	hits := 0
	for _, p := range patterns {
		anchored := anchorGlob(p)
		for _, c := range candidates {
			ok, err := doublestar.Match(anchored, strings.TrimPrefix(c, "/"))
			if err == nil && ok {
				hits++
				break
			}
		}
	}
	return hits
}

func countTextHits(res []*regexp.Regexp, lits []string, lines []string) int {
	hits := 0
	for _, re := range res {
		for _, l := range lines {
			if re.MatchString(l) {
				hits++
				break
			}
		}
	}
	for _, lit := range lits {
		for _, l := range lines {
			if strings.Contains(strings.ToLower(l), lit) {
				hits++
				break
			}
		}
	}
	return hits
}

func countContentHits(res []*regexp.Regexp, lits []string, content map[string]string) int {
	hits := 0
	for _, re := range res {
		for _, body := range content {
			if re.MatchString(body) {
				hits++
				break
			}
		}
	}
	for _, lit := range lits {
		for _, body := range content {
			if strings.Contains(strings.ToLower(body), lit) {
				hits++
				break
			}
		}
	}
	return hits
}

// Detect scores every signature and assembles the ordered verdict. Ties
// break by priority (higher first) then platform id.
func Detect(signatures []Signature, snap *Snapshot) Result {
	type scored struct {
		match    Match
		priority int
	}
	var all []scored
	for i := range signatures {
		all = append(all, scored{match: signatures[i].Score(snap), priority: signatures[i].Priority})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].match.Confidence != all[j].match.Confidence {
			return all[i].match.Confidence > all[j].match.Confidence
		}
		if all[i].priority != all[j].priority {
			return all[i].priority > all[j].priority
		}
		return all[i].match.PlatformID < all[j].match.PlatformID
	})

	var res Result
	for _, s := range all {
		if s.match.Confidence > res.Confidence {
			res.Confidence = s.match.Confidence
		}
		if s.match.Confidence >= DetectThreshold {
			res.Matches = append(res.Matches, s.match)
		}
	}
	if len(res.Matches) == 0 {
		res.Unknown = true
		return res
	}
	if len(res.Matches) > 1 {
		res.HybridHint = hybridHint(res.Matches[0].PlatformID, res.Matches[1].PlatformID)
	}
	return res
}

// hybridHints names known platform combinations, keyed by the sorted pair.
var hybridHints = map[string]string{
	"lovable|replit":    "prototype-to-ide_workflow",
	"figma-make|nextjs": "design-to-code_workflow",
	"figma-make|react":  "design-to-code_workflow",
	"figma-make|vue":    "design-to-code_workflow",
	"nextjs|react":      "framework-stack_workflow",
}

func hybridHint(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return hybridHints[a+"|"+b]
}
