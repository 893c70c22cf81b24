package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

type OpenAILLM struct {
	apiKey string
	url    string
	model  string
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
	}
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, *orchestrator.ToolCall, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"tools":    patientInfoToolSchema,
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
		return "", nil, fmt.Errorf("openai llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content   string           `json:"content"`
				ToolCalls []openAIToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}

	if len(result.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices returned from openai")
	}

	msg := result.Choices[0].Message
	return msg.Content, firstToolCall(msg.ToolCalls), nil
}

// openAIToolCall mirrors the Chat Completions API's tool_calls entries.
type openAIToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// patientInfoToolSchema advertises the three tools original_source's
// LangGraph agent exposed (update_patient_info, end_call,
// forward_call_to_human) using the OpenAI function-calling tool format.
var patientInfoToolSchema = []map[string]interface{}{
	{
		"type": "function",
		"function": map[string]interface{}{
			"name":        "update_patient_info",
			"description": "Record extracted patient facts from the conversation so far.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"patient_name":       map[string]string{"type": "string"},
					"medical_conditions": map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
					"last_visit_date":    map[string]string{"type": "string"},
					"interested":         map[string]string{"type": "boolean"},
				},
			},
		},
	},
	{
		"type": "function",
		"function": map[string]interface{}{
			"name":        "end_call",
			"description": "End the call once the conversation has reached a natural conclusion.",
		},
	},
	{
		"type": "function",
		"function": map[string]interface{}{
			"name":        "forward_call_to_human",
			"description": "Forward the call to a human agent when the caller asks for one or the bot cannot help.",
		},
	},
}

func firstToolCall(calls []openAIToolCall) *orchestrator.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	var args map[string]interface{}
	json.Unmarshal([]byte(calls[0].Function.Arguments), &args)
	return &orchestrator.ToolCall{Name: calls[0].Function.Name, Args: args}
}

// StreamComplete drives OpenAI's streaming chat completions endpoint,
// forwarding each content delta to onDelta as it arrives and accumulating
// any streamed tool_calls fragments into the same single ToolCall shape
// Complete returns.
func (l *OpenAILLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onDelta func(string) error) (string, *orchestrator.ToolCall, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"tools":    patientInfoToolSchema,
	}
	return streamChatCompletion(ctx, l.url, l.apiKey, payload, onDelta)
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}
