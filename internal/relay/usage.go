package relay

import (
	"io"

	"github.com/tidwall/gjson"

	"github.com/yansir/cc-router/internal/session"
	"github.com/yansir/cc-router/internal/sse"
)

// usageFromJSON pulls a usage block out of a stream event payload or a
// non-streaming response body.
func usageFromJSON(data string) (session.Usage, bool) {
	u := gjson.Get(data, "usage")
	if !u.Exists() {
		u = gjson.Get(data, "message.usage")
	}
	if !u.Exists() {
		return session.Usage{}, false
	}
	return session.Usage{
		InputTokens:              int(u.Get("input_tokens").Int()),
		OutputTokens:             int(u.Get("output_tokens").Int()),
		CacheReadInputTokens:     int(u.Get("cache_read_input_tokens").Int()),
		CacheCreationInputTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}, true
}

// recordUsage merges an observed usage block into the session cache.
// Streams report input tokens on message_start and output tokens on
// message_delta, so zero fields keep the previous observation.
func recordUsage(cache *session.UsageCache, sessionID string, u session.Usage) {
	if sessionID == "" {
		return
	}
	prev, _ := cache.Get(sessionID)
	if u.InputTokens == 0 {
		u.InputTokens = prev.InputTokens
	}
	if u.OutputTokens == 0 {
		u.OutputTokens = prev.OutputTokens
	}
	if u.CacheReadInputTokens == 0 {
		u.CacheReadInputTokens = prev.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens == 0 {
		u.CacheCreationInputTokens = prev.CacheCreationInputTokens
	}
	cache.Put(sessionID, u)
}

// scanUsage reads a teed copy of the upstream stream and records every
// usage block it sees. Consumes r to EOF so the tee never stalls.
func scanUsage(r io.Reader, cache *session.UsageCache, sessionID string) {
	sc := sse.NewScanner(r)
	for {
		ev, err := sc.Next()
		if err != nil {
			break
		}
		if ev.Name != "message_start" && ev.Name != "message_delta" {
			continue
		}
		if u, ok := usageFromJSON(ev.Data); ok {
			recordUsage(cache, sessionID, u)
		}
	}
	io.Copy(io.Discard, r)
}
