package request

import (
	"strings"
	"testing"
)

func TestSessionID(t *testing.T) {
	body := map[string]any{
		"metadata": map[string]any{
			"user_id": "user_abc_account__session_9e107d9d-3f2a-4b1c-8d5e-000000000001",
		},
	}
	got := SessionID(body)
	want := "9e107d9d-3f2a-4b1c-8d5e-000000000001"
	if got != want {
		t.Fatalf("session id = %q, want %q", got, want)
	}
}

func TestSessionIDSplitsOnFirstMarker(t *testing.T) {
	body := map[string]any{
		"metadata": map[string]any{"user_id": "u_session_a_session_b"},
	}
	if got := SessionID(body); got != "a_session_b" {
		t.Fatalf("session id = %q, want everything after the first _session_", got)
	}
}

func TestSessionIDMissing(t *testing.T) {
	if got := SessionID(map[string]any{}); got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
	body := map[string]any{"metadata": map[string]any{"user_id": "no-marker"}}
	if got := SessionID(body); got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
}

func TestRouterMarker(t *testing.T) {
	text := "prefix <CCR-SUBAGENT-ROUTER>frontend</CCR-SUBAGENT-ROUTER> suffix"
	name, ok := RouterMarker(text)
	if !ok || name != "frontend" {
		t.Fatalf("marker = %q, %v", name, ok)
	}
	if got := StripRouterMarker(text); got != "prefix  suffix" {
		t.Fatalf("stripped = %q", got)
	}
}

func TestRouterMarkerAcrossNewlines(t *testing.T) {
	text := "<CCR-SUBAGENT-ROUTER>line1\nline2</CCR-SUBAGENT-ROUTER>"
	name, ok := RouterMarker(text)
	if !ok {
		t.Fatal("marker should match across newlines")
	}
	// Content is extracted verbatim; a name containing newlines will never
	// match a configured route.
	if name != "line1\nline2" {
		t.Fatalf("marker = %q", name)
	}
}

func TestModelMarker(t *testing.T) {
	text := "<CCR-SUBAGENT-MODEL>openrouter,google/gemini-3-pro</CCR-SUBAGENT-MODEL>"
	target, ok := ModelMarker(text)
	if !ok || target != "openrouter,google/gemini-3-pro" {
		t.Fatalf("marker = %q, %v", target, ok)
	}
	if got := StripModelMarker(text); got != "" {
		t.Fatalf("stripped = %q", got)
	}
}

func TestSystemTextPosition(t *testing.T) {
	body := map[string]any{
		"system": []any{
			map[string]any{"type": "text", "text": "first"},
			map[string]any{"type": "text", "text": "second"},
		},
	}
	if got := SystemText(body, 1); got != "second" {
		t.Fatalf("system[1] = %q", got)
	}
	if got := SystemText(body, 5); got != "" {
		t.Fatalf("out of range should be empty, got %q", got)
	}
	SetSystemText(body, 1, "replaced")
	if got := SystemText(body, 1); got != "replaced" {
		t.Fatalf("after set, system[1] = %q", got)
	}
}

func TestIsClaudeMem(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"You are a Claude-Mem", true},
		{"hello memory agent", true},
		{"The Memory Agent records an observation here", true},
		{"you do not have access to tools, so create observations", true},
		{"Memory processing continued", true},
		{"see claude-mem://archive/1", true},
		{"this is the primary session", true},
		{"attach the session_summary", true},
		{"an ordinary coding request", false},
	}
	for _, tc := range cases {
		body := map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": tc.text},
			},
		}
		if got := IsClaudeMem(body); got != tc.want {
			t.Fatalf("IsClaudeMem(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsClaudeMemScansSystemAndBlocks(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "hello memory agent"},
			}},
		},
	}
	if !IsClaudeMem(body) {
		t.Fatal("content block text should be scanned")
	}
	body = map[string]any{
		"system": []any{
			map[string]any{"type": "text", "text": "claude-mem:// index"},
		},
	}
	if !IsClaudeMem(body) {
		t.Fatal("system text should be scanned")
	}
}

func TestIsThinking(t *testing.T) {
	if IsThinking(map[string]any{}) {
		t.Fatal("empty body is not thinking")
	}
	if !IsThinking(map[string]any{"thinking": map[string]any{"type": "enabled"}}) {
		t.Fatal("thinking object is truthy")
	}
	if IsThinking(map[string]any{"thinking": false}) {
		t.Fatal("thinking:false is not thinking")
	}
	if !IsThinking(map[string]any{"model": "deepseek-reasoning"}) {
		t.Fatal("reasoning model name is thinking")
	}
	if !IsThinking(map[string]any{"model": "qwen-think-32b"}) {
		t.Fatal("think model name is thinking")
	}
}

func TestHasWebSearchTool(t *testing.T) {
	body := map[string]any{
		"tools": []any{
			map[string]any{"name": "Bash"},
			map[string]any{"name": "search", "type": "web_search_20250305"},
		},
	}
	if !HasWebSearchTool(body) {
		t.Fatal("web_search tool should be detected")
	}
	if HasWebSearchTool(map[string]any{}) {
		t.Fatal("no tools, no web search")
	}
}

func TestParseModel(t *testing.T) {
	p, m, ok := ParseModel("openrouter,anthropic/claude-3.5-sonnet")
	if !ok || p != "openrouter" || m != "anthropic/claude-3.5-sonnet" {
		t.Fatalf("parse = %q %q %v", p, m, ok)
	}
	if _, _, ok := ParseModel("bare-model"); ok {
		t.Fatal("bare model should not parse")
	}
}

func TestMaskToken(t *testing.T) {
	masked := MaskToken("sk-ant-oat01-verysecret")
	if masked != "sk-ant-o…" {
		t.Fatalf("masked = %q", masked)
	}
	if strings.Contains(masked, "verysecret") {
		t.Fatal("mask leaked the token")
	}
	if MaskToken("") != "" {
		t.Fatal("empty token masks to empty")
	}
}
