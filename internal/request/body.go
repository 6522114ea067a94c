package request

import (
	"regexp"
	"strings"
)

// Subagent markers embedded in system[1].text. Non-greedy, dot matches
// newlines. The extracted name is used verbatim: a tag whose content
// carries surrounding whitespace will not match any configured route.
var (
	routerMarkerRe = regexp.MustCompile(`(?s)<CCR-SUBAGENT-ROUTER>(.*?)</CCR-SUBAGENT-ROUTER>`)
	modelMarkerRe  = regexp.MustCompile(`(?s)<CCR-SUBAGENT-MODEL>(.*?)</CCR-SUBAGENT-MODEL>`)
)

// ClaudeMem / Memory-Agent signatures. Requests matching any of these must
// use the provider API key upstream, never client OAuth.
var (
	claudeMemSubstrings = []string{
		"you are a claude-mem",
		"hello memory agent",
		"memory processing continued",
		"claude-mem://",
		"primary session",
		"session_summary",
	}
	claudeMemPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)memory agent.*observation`),
		regexp.MustCompile(`(?is)you do not have access to tools.*create observations`),
	}
)

// SessionID derives the session id from metadata.user_id: everything after
// the first "_session_".
func SessionID(body map[string]any) string {
	metadata, _ := body["metadata"].(map[string]any)
	if metadata == nil {
		return ""
	}
	uid, _ := metadata["user_id"].(string)
	if uid == "" {
		return ""
	}
	_, after, found := strings.Cut(uid, "_session_")
	if !found {
		return ""
	}
	return after
}

// SystemText returns system[idx].text, or "" when absent. The auth
// pipeline and resolver inspect index 1 only.
func SystemText(body map[string]any, idx int) string {
	system, _ := body["system"].([]any)
	if idx < 0 || idx >= len(system) {
		return ""
	}
	block, _ := system[idx].(map[string]any)
	if block == nil {
		return ""
	}
	text, _ := block["text"].(string)
	return text
}

// SetSystemText replaces system[idx].text in place. No-op when the block
// does not exist.
func SetSystemText(body map[string]any, idx int, text string) {
	system, _ := body["system"].([]any)
	if idx < 0 || idx >= len(system) {
		return
	}
	if block, ok := system[idx].(map[string]any); ok {
		block["text"] = text
	}
}

// RouterMarker extracts the <CCR-SUBAGENT-ROUTER> tag content.
func RouterMarker(text string) (string, bool) {
	m := routerMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ModelMarker extracts the <CCR-SUBAGENT-MODEL> tag content.
func ModelMarker(text string) (string, bool) {
	m := modelMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// StripRouterMarker removes every router marker from the text.
func StripRouterMarker(text string) string {
	return routerMarkerRe.ReplaceAllString(text, "")
}

// StripModelMarker removes every model marker from the text.
func StripModelMarker(text string) string {
	return modelMarkerRe.ReplaceAllString(text, "")
}

// IsClaudeMem scans every messages[*].content text and every
// system[*].text for the ClaudeMem signature set, case-insensitively.
func IsClaudeMem(body map[string]any) bool {
	if messages, ok := body["messages"].([]any); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]any)
			if !ok {
				continue
			}
			switch content := m["content"].(type) {
			case string:
				if matchClaudeMem(content) {
					return true
				}
			case []any:
				for _, block := range content {
					b, ok := block.(map[string]any)
					if !ok {
						continue
					}
					if text, ok := b["text"].(string); ok && matchClaudeMem(text) {
						return true
					}
				}
			}
		}
	}
	if system, ok := body["system"].([]any); ok {
		for _, entry := range system {
			b, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := b["text"].(string); ok && matchClaudeMem(text) {
				return true
			}
		}
	}
	return false
}

func matchClaudeMem(text string) bool {
	lower := strings.ToLower(text)
	for _, sub := range claudeMemSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, re := range claudeMemPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsThinking reports whether the request is a thinking request: a truthy
// body.thinking or a model name containing "think" or "reasoning".
func IsThinking(body map[string]any) bool {
	if truthy(body["thinking"]) {
		return true
	}
	model, _ := body["model"].(string)
	lower := strings.ToLower(model)
	return strings.Contains(lower, "think") || strings.Contains(lower, "reasoning")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case map[string]any:
		return true
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// HasWebSearchTool reports whether any tools[*].type starts with
// "web_search".
func HasWebSearchTool(body map[string]any) bool {
	tools, _ := body["tools"].([]any)
	for _, tool := range tools {
		t, ok := tool.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := t["type"].(string); ok && strings.HasPrefix(typ, "web_search") {
			return true
		}
	}
	return false
}

// ParseModel splits a "provider,model" string.
func ParseModel(s string) (provider, model string, ok bool) {
	before, after, found := strings.Cut(s, ",")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(before), strings.TrimSpace(after), true
}

// MaskToken renders a credential safe for logs: first 8 characters
// followed by an ellipsis.
func MaskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return tok[:1] + "…"
	}
	return tok[:8] + "…"
}
