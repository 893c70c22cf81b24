package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

// streamChatCompletion drives an OpenAI Chat-Completions-compatible
// streaming request — the wire format Groq and OpenAI both speak: a
// "stream": true POST whose response body is a sequence of
// "data: {json}\n\n" Server-Sent Events terminated by "data: [DONE]". Each
// chunk's delta.content is forwarded to onDelta as it arrives, which is
// what lets the turn producer start feeding the sentence segmenter before
// the model has finished generating. Any delta.tool_calls fragments are
// accumulated by index across chunks into a single ToolCall, finalized
// once the stream ends.
func streamChatCompletion(ctx context.Context, url, apiKey string, payload map[string]interface{}, onDelta func(string) error) (string, *orchestrator.ToolCall, error) {
	payload["stream"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", nil, fmt.Errorf("llm stream error (status %d): %v", resp.StatusCode, errResp)
	}

	var full strings.Builder
	acc := newToolCallAccumulator()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string               `json:"content"`
					ToolCalls []streamToolCallDelta `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // a stray keep-alive or comment line shouldn't abort the stream
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				full.WriteString(choice.Delta.Content)
				if err := onDelta(choice.Delta.Content); err != nil {
					return "", nil, err
				}
			}
			for _, td := range choice.Delta.ToolCalls {
				acc.add(td)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, err
	}

	return full.String(), acc.finalize(), nil
}

// streamToolCallDelta is one OpenAI-compatible tool_calls[] delta fragment.
// Fragments for the same Index arrive across multiple chunks: Id and
// Function.Name typically land whole on the first fragment for that index,
// while Function.Arguments arrives piecemeal as a streamed JSON string that
// must be concatenated before it can be parsed.
type streamToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolCallAccumulator struct {
	order []int
	byIdx map[int]*accumulatedCall
}

type accumulatedCall struct {
	id, name, args string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int]*accumulatedCall)}
}

func (a *toolCallAccumulator) add(d streamToolCallDelta) {
	c, ok := a.byIdx[d.Index]
	if !ok {
		c = &accumulatedCall{}
		a.byIdx[d.Index] = c
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		c.id = d.ID
	}
	if d.Function.Name != "" {
		c.name = d.Function.Name
	}
	c.args += d.Function.Arguments
}

// finalize returns the first accumulated tool call. The turn engine only
// ever applies one tool call per turn (see Turn.applyToolCall), so later
// indices — a model asking for multiple tools in one turn — are dropped
// the same way Complete's single-ToolCall return already would.
func (a *toolCallAccumulator) finalize() *orchestrator.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	c := a.byIdx[a.order[0]]
	if c.name == "" {
		return nil
	}
	args := map[string]interface{}{}
	if c.args != "" {
		json.Unmarshal([]byte(c.args), &args)
	}
	return &orchestrator.ToolCall{Name: c.name, Args: args}
}
