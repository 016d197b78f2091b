package llmrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/autopr/autopr/internal/errkind"
)

const completionsPath = "/v1/chat/completions"

// OpenAICompleter calls an OpenAI-compatible chat completions endpoint. The
// catalog model id goes out as the request model verbatim.
type OpenAICompleter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAICompleter) Complete(ctx context.Context, model Model, req Request) (string, int, int, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return "", 0, 0, errkind.New(errkind.InvalidInput, "no llm endpoint configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: model.ID,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.TaskKind)},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return "", 0, 0, errkind.Wrap(errkind.Internal, err, "encode completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+completionsPath, bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, errkind.Wrap(errkind.Internal, err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, 0, errkind.Wrap(errkind.KindOf(ctxErr), err, "llm call")
		}
		return "", 0, 0, errkind.Wrap(errkind.Transport, err, "llm call")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, 0, errkind.Wrap(errkind.Transport, err, "read completion response")
	}

	var parsed chatResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil && resp.StatusCode < 300 {
		return "", 0, 0, errkind.Wrap(errkind.Transport, jsonErr, "decode completion response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", 0, 0, errkind.FromHTTPStatus(resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, 0, errkind.New(errkind.Transport, "completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil
}

func systemPrompt(task TaskKind) string {
	switch task {
	case TaskSummarize:
		return "Summarize the following pull request material concisely."
	case TaskClassify:
		return "Classify the following review material. Answer with the category only."
	case TaskReview:
		return "Review the following code change. Report concrete findings with file and line."
	case TaskGenerateFix:
		return "Propose a minimal fix for the following finding. Answer with a patch."
	default:
		return "You are a code review assistant."
	}
}
