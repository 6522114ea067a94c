// Package tokencount estimates request token counts with the cl100k_base
// BPE. The count feeds the long-context routing decision and the local
// count_tokens endpoint; it does not need to match Anthropic's tokenizer
// exactly, only to be stable and in the right ballpark.
package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter turns a request body into a token estimate. The zero value is
// not usable; call New.
type Counter struct {
	encode func(string) int
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// New returns a Counter backed by cl100k_base. If the encoding cannot be
// loaded the counter degrades to a bytes/4 estimate instead of failing
// the request path.
func New() *Counter {
	return &Counter{encode: encodeBPE}
}

// NewWithEncoder returns a Counter with a caller-supplied encoder. Lets
// tests count deterministically without the BPE data files.
func NewWithEncoder(encode func(string) int) *Counter {
	return &Counter{encode: encode}
}

func encodeBPE(text string) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Count sums tokens across messages, system blocks, and tool
// definitions. Tool inputs and results are counted from their JSON
// rendering, matching how they reach the model.
func (c *Counter) Count(body map[string]any) int {
	total := 0

	if messages, ok := body["messages"].([]any); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]any)
			if !ok {
				continue
			}
			total += c.countContent(m["content"])
		}
	}

	switch system := body["system"].(type) {
	case string:
		total += c.encode(system)
	case []any:
		for _, entry := range system {
			if b, ok := entry.(map[string]any); ok {
				if text, ok := b["text"].(string); ok {
					total += c.encode(text)
				}
			}
		}
	}

	if tools, ok := body["tools"].([]any); ok {
		for _, tool := range tools {
			t, ok := tool.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := t["name"].(string); ok {
				total += c.encode(name)
			}
			if desc, ok := t["description"].(string); ok {
				total += c.encode(desc)
			}
			if schema, ok := t["input_schema"]; ok {
				total += c.countJSON(schema)
			}
		}
	}

	return total
}

func (c *Counter) countContent(content any) int {
	switch v := content.(type) {
	case string:
		return c.encode(v)
	case []any:
		total := 0
		for _, block := range v {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			switch b["type"] {
			case "tool_use":
				total += c.countJSON(b["input"])
			case "tool_result":
				total += c.countContent(b["content"])
			default:
				if text, ok := b["text"].(string); ok {
					total += c.encode(text)
				}
			}
		}
		return total
	}
	return 0
}

func (c *Counter) countJSON(v any) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.encode(string(data))
}
