package llmrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/autopr/autopr/internal/errkind"
)

func TestOpenAICompleterRoundTrip(t *testing.T) {
	var gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotModel = req.Model
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "looks fine"}}},
			"usage":   map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	c := &OpenAICompleter{BaseURL: srv.URL, APIKey: "sk-test"}
	text, in, out, err := c.Complete(context.Background(), Model{ID: "gpt-small"}, Request{TaskKind: TaskReview, Prompt: "diff"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "looks fine" || in != 42 || out != 7 {
		t.Fatalf("text=%q in=%d out=%d", text, in, out)
	}
	if gotModel != "gpt-small" || gotAuth != "Bearer sk-test" {
		t.Fatalf("model=%q auth=%q", gotModel, gotAuth)
	}
}

func TestOpenAICompleterStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errkind.Kind
	}{
		{http.StatusUnauthorized, errkind.AuthFailed},
		{http.StatusTooManyRequests, errkind.RateLimited},
		{http.StatusInternalServerError, errkind.Transport},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "nope"}})
		}))
		c := &OpenAICompleter{BaseURL: srv.URL}
		_, _, _, err := c.Complete(context.Background(), Model{ID: "m"}, Request{Prompt: "p"})
		srv.Close()
		if errkind.KindOf(err) != tc.kind {
			t.Fatalf("status %d: kind=%q err=%v", tc.status, errkind.KindOf(err), err)
		}
	}
}

func TestOpenAICompleterUnconfigured(t *testing.T) {
	c := &OpenAICompleter{}
	_, _, _, err := c.Complete(context.Background(), Model{ID: "m"}, Request{Prompt: "p"})
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}
