// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// EstimateTokens counts the tokens in text with the cl100k_base encoding.
// When the encoder is unavailable it falls back to the four-bytes-per-token
// heuristic so callers always get a usable number.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
		if ids, _, err := enc.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// fillUsage backfills token counts for endpoints that do not report usage
// (local models typically omit it), so per-run accounting stays populated.
func fillUsage(req Request, resp *Response) {
	if resp == nil {
		return
	}
	if resp.Usage.InputTokens == 0 {
		var b strings.Builder
		b.WriteString(req.System)
		for _, m := range req.Messages {
			b.WriteString(m.Content)
		}
		resp.Usage.InputTokens = EstimateTokens(b.String())
	}
	if resp.Usage.OutputTokens == 0 && resp.Content != "" {
		resp.Usage.OutputTokens = EstimateTokens(resp.Content)
	}
}
