// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIClient speaks the OpenAI chat-completions API. Ollama endpoints
// use the same protocol under /v1.
type OpenAIClient struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewOpenAIClient builds a client for one OpenAI-compatible endpoint.
func NewOpenAIClient(name, baseURL, model, apiKey string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// NewOllamaClient builds a client for a local Ollama server, which exposes
// the OpenAI-compatible protocol under /v1.
func NewOllamaClient(name, baseURL, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return NewOpenAIClient(name, strings.TrimRight(baseURL, "/")+"/v1", model, "ollama")
}

// Name returns the endpoint name.
func (c *OpenAIClient) Name() string { return c.name }

// Model returns the configured model id.
func (c *OpenAIClient) Model() string { return c.model }

// buildBody renders the request in chat-completions form. tool_calls on
// assistant messages and role:"tool" results preserve tool_call_id linkage.
func (c *OpenAIClient) buildBody(req Request, stream bool) ([]byte, error) {
	messages := make([]map[string]interface{}, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			entry := map[string]interface{}{"role": "assistant", "content": m.Content}
			if len(m.ToolUses) > 0 {
				calls := make([]map[string]interface{}, 0, len(m.ToolUses))
				for _, tu := range m.ToolUses {
					args, _ := json.Marshal(tu.Arguments)
					calls = append(calls, map[string]interface{}{
						"id":   tu.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tu.Name,
							"arguments": string(args),
						},
					})
				}
				entry["tool_calls"] = calls
			}
			messages = append(messages, entry)
		case RoleTool:
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": m.ToolCallID,
				"content":      m.Content,
			})
		default:
			messages = append(messages, map[string]interface{}{"role": "user", "content": m.Content})
		}
	}

	body := map[string]interface{}{
		"model":    c.model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if stream {
		return sjson.SetBytes(data, "stream", true)
	}
	return data, nil
}

func (c *OpenAIClient) send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Msg: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		msg := gjson.GetBytes(payload, "error.message").String()
		if msg == "" {
			msg = string(payload)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &TransientError{Status: resp.StatusCode, Msg: msg}
		}
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}

// Complete performs one non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Msg: err.Error()}
	}

	choice := gjson.GetBytes(payload, "choices.0.message")
	out := &Response{
		Content: choice.Get("content").String(),
		Model:   gjson.GetBytes(payload, "model").String(),
		Usage: Usage{
			InputTokens:  int(gjson.GetBytes(payload, "usage.prompt_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(payload, "usage.completion_tokens").Int()),
		},
	}
	for _, call := range choice.Get("tool_calls").Array() {
		args := map[string]interface{}{}
		_ = json.Unmarshal([]byte(call.Get("function.arguments").String()), &args)
		out.ToolUses = append(out.ToolUses, ToolUse{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: args,
		})
	}
	return out, nil
}

// Stream performs a streaming completion, invoking onChunk per text delta.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{Model: c.model}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if delta := gjson.Get(data, "choices.0.delta.content").String(); delta != "" {
			text.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransientError{Msg: err.Error()}
	}
	out.Content = text.String()
	return out, nil
}
