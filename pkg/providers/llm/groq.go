package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

// GroqLLM calls Groq's OpenAI-compatible chat completions endpoint. Kept as
// a sibling of the Groq STT adapter so a deployment can run the whole
// pluggable stack against one vendor.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
	}
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, *orchestrator.ToolCall, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", nil, fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}

	if len(result.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices returned from groq")
	}

	return result.Choices[0].Message.Content, nil, nil
}

// StreamComplete drives Groq's OpenAI-compatible streaming chat completions
// endpoint, forwarding each content delta to onDelta as it arrives rather
// than waiting for the full response the way Complete does.
func (l *GroqLLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onDelta func(string) error) (string, *orchestrator.ToolCall, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}
	return streamChatCompletion(ctx, l.url, l.apiKey, payload, onDelta)
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}
