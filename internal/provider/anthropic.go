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

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the Anthropic Messages API.
type AnthropicClient struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewAnthropicClient builds a client for one Anthropic endpoint.
func NewAnthropicClient(name, baseURL, model, apiKey string) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns the endpoint name.
func (c *AnthropicClient) Name() string { return c.name }

// Model returns the configured model id.
func (c *AnthropicClient) Model() string { return c.model }

// buildBody renders the request in Messages API form. Assistant tool-use
// turns become content blocks; tool results are fed back as user messages
// carrying tool_result blocks, preserving tool_use_id linkage.
func (c *AnthropicClient) buildBody(req Request, stream bool) ([]byte, error) {
	messages := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			continue // carried in the top-level system field
		case RoleAssistant:
			if len(m.ToolUses) == 0 {
				messages = append(messages, map[string]interface{}{
					"role": "assistant", "content": m.Content,
				})
				continue
			}
			blocks := make([]map[string]interface{}, 0, len(m.ToolUses)+1)
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, tu := range m.ToolUses {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tu.ID,
					"name":  tu.Name,
					"input": tu.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})
		case RoleTool:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
					"is_error":    m.IsError,
				}},
			})
		default:
			messages = append(messages, map[string]interface{}{"role": "user", "content": m.Content})
		}
	}

	body := map[string]interface{}{
		"model":      c.model,
		"max_tokens": req.MaxTokens,
		"messages":   messages,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
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

func (c *AnthropicClient) send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}

// Complete performs one non-streaming completion.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
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

	out := &Response{
		Model: gjson.GetBytes(payload, "model").String(),
		Usage: Usage{
			InputTokens:  int(gjson.GetBytes(payload, "usage.input_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(payload, "usage.output_tokens").Int()),
		},
	}
	for _, block := range gjson.GetBytes(payload, "content").Array() {
		switch block.Get("type").String() {
		case "text":
			out.Content += block.Get("text").String()
		case "tool_use":
			args := map[string]interface{}{}
			_ = json.Unmarshal([]byte(block.Get("input").Raw), &args)
			out.ToolUses = append(out.ToolUses, ToolUse{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: args,
			})
		}
	}
	return out, nil
}

// Stream performs a streaming completion, invoking onChunk for every text
// delta, and returns the assembled response.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
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
		if data == "" {
			continue
		}
		event := gjson.Parse(data)
		switch event.Get("type").String() {
		case "content_block_delta":
			if delta := event.Get("delta.text").String(); delta != "" {
				text.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		case "message_delta":
			if u := event.Get("usage.output_tokens"); u.Exists() {
				out.Usage.OutputTokens = int(u.Int())
			}
		case "message_start":
			out.Usage.InputTokens = int(event.Get("message.usage.input_tokens").Int())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransientError{Msg: err.Error()}
	}
	out.Content = text.String()
	return out, nil
}
