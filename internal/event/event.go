// Package event defines the canonical work item synthesized from webhook,
// CLI and timer triggers, plus the identity helpers shared by the ingress
// and the engine.
package event

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/autopr/autopr/internal/errkind"
)

type Kind string

const (
	PROpened        Kind = "pr_opened"
	PRUpdated       Kind = "pr_updated"
	PRComment       Kind = "pr_comment"
	ReviewSubmitted Kind = "review_submitted"
	Manual          Kind = "manual"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case PROpened:
		return PROpened, nil
	case PRUpdated:
		return PRUpdated, nil
	case PRComment:
		return PRComment, nil
	case ReviewSubmitted:
		return ReviewSubmitted, nil
	case Manual:
		return Manual, nil
	default:
		return "", errkind.New(errkind.InvalidInput, "unknown event kind: %q", s)
	}
}

// WorkItem is the unit of work pulled by engine workers. Two items with the
// same DedupKey inside the dedup window collapse to one.
type WorkItem struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	SourceRepo string          `json:"source_repo"`
	PRNumber   int             `json:"pr_number"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	DedupKey   string          `json:"dedup_key"`
}

// New builds a WorkItem with a stable ID and dedup key derived from the
// event identity, not from receipt time.
func New(source string, kind Kind, repo string, pr int, actor string, payload json.RawMessage, now time.Time) WorkItem {
	key := DedupKey(source, kind, repo, pr, payloadVersion(payload))
	return WorkItem{
		ID:         key[:16],
		Kind:       kind,
		SourceRepo: repo,
		PRNumber:   pr,
		Actor:      actor,
		Payload:    payload,
		ReceivedAt: now.UTC(),
		DedupKey:   key,
	}
}

// DedupKey hashes the event identity tuple. payloadVersion distinguishes
// successive pushes to the same PR while collapsing exact replays.
func DedupKey(source string, kind Kind, repo string, pr int, payloadVersion string) string {
	h := blake3.New()
	for _, part := range []string{source, string(kind), repo, fmt.Sprint(pr), payloadVersion} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func payloadVersion(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// NewRunID returns a ULID: sortable, globally unique, filesystem-safe.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
