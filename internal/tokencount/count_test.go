package tokencount

import (
	"strings"
	"testing"
)

// wordCounter makes the tests deterministic without depending on the BPE
// data files: one token per whitespace-separated word.
func wordCounter() *Counter {
	return &Counter{encode: func(s string) int {
		return len(strings.Fields(s))
	}}
}

func TestCountMessages(t *testing.T) {
	c := wordCounter()
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "one two three"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "four five"},
			}},
		},
	}
	if got := c.Count(body); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestCountSystemForms(t *testing.T) {
	c := wordCounter()
	if got := c.Count(map[string]any{"system": "a b"}); got != 2 {
		t.Fatalf("string system = %d", got)
	}
	body := map[string]any{"system": []any{
		map[string]any{"type": "text", "text": "a b c"},
		map[string]any{"type": "text", "text": "d"},
	}}
	if got := c.Count(body); got != 4 {
		t.Fatalf("block system = %d", got)
	}
}

func TestCountToolsAndToolBlocks(t *testing.T) {
	c := wordCounter()
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "tool_use", "name": "t", "input": map[string]any{"q": "x"}},
			}},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "tool_result", "content": "result words here"},
			}},
		},
		"tools": []any{
			map[string]any{
				"name":         "search",
				"description":  "finds things",
				"input_schema": map[string]any{"type": "object"},
			},
		},
	}
	got := c.Count(body)
	// tool_use input JSON (1 "word") + tool_result (3) + name (1) +
	// description (2) + schema JSON (1).
	if got != 8 {
		t.Fatalf("count = %d, want 8", got)
	}
}

func TestCountEmptyBody(t *testing.T) {
	if got := wordCounter().Count(map[string]any{}); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestCountMonotonic(t *testing.T) {
	c := wordCounter()
	small := map[string]any{"messages": []any{
		map[string]any{"content": "short message"},
	}}
	large := map[string]any{"messages": []any{
		map[string]any{"content": strings.Repeat("word ", 100)},
	}}
	if c.Count(large) <= c.Count(small) {
		t.Fatal("larger body must count more tokens")
	}
}
