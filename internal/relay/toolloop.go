package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/yansir/cc-router/internal/agent"
	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/request"
	"github.com/yansir/cc-router/internal/sse"
)

const (
	toolExecTimeout = 60 * time.Second
	followUpTimeout = 60 * time.Second
)

// toolLoop intercepts tool_use blocks owned by the request's agents,
// executes them locally, and feeds the results back through a loopback
// request whose events are spliced into the client stream.
type toolLoop struct {
	h   *Handler
	st  *request.State
	cfg *config.Config

	w       http.ResponseWriter
	flusher http.Flusher
	aborted bool

	// Capture state for the tool block currently streaming.
	captureIdx   int
	captureAgent agent.Agent
	toolID       string
	toolName     string
	toolArgs     strings.Builder

	assistant   []any
	toolResults []any
}

func newToolLoop(h *Handler, st *request.State, cfg *config.Config, w http.ResponseWriter) *toolLoop {
	flusher, _ := w.(http.Flusher)
	return &toolLoop{h: h, st: st, cfg: cfg, w: w, flusher: flusher, captureIdx: -1}
}

// run consumes the upstream stream, forwarding everything except the
// captured tool blocks. body is the already-routed request, reused for
// the follow-up.
func (l *toolLoop) run(ctx context.Context, upstream io.Reader, body map[string]any) {
	sc := sse.NewScanner(upstream)
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Warn("upstream stream error", "request_id", l.st.RequestID, "error", err)
			return
		}
		if l.aborted {
			return
		}

		data := gjson.Parse(ev.Data)

		switch ev.Name {
		case "content_block_start":
			if data.Get("content_block.type").String() == "tool_use" {
				name := data.Get("content_block.name").String()
				if a := l.h.agents.OwnerOf(l.st.Agents, name); a != nil {
					l.captureIdx = int(data.Get("index").Int())
					l.captureAgent = a
					l.toolName = name
					l.toolID = data.Get("content_block.id").String()
					l.toolArgs.Reset()
					continue
				}
			}

		case "content_block_delta":
			if l.capturing(data) {
				if data.Get("delta.type").String() == "input_json_delta" {
					l.toolArgs.WriteString(data.Get("delta.partial_json").String())
				}
				continue
			}

		case "content_block_stop":
			if l.capturing(data) {
				l.executeTool(ctx)
				l.captureIdx = -1
				l.captureAgent = nil
				continue
			}

		case "message_delta":
			if u, ok := usageFromJSON(ev.Data); ok {
				recordUsage(l.h.usage, l.st.SessionID, u)
			}
			if len(l.toolResults) > 0 {
				if !l.forward(ev) {
					return
				}
				l.followUp(ctx, body)
				continue
			}
		}

		if !l.forward(ev) {
			return
		}
	}
}

func (l *toolLoop) capturing(data gjson.Result) bool {
	return l.captureIdx >= 0 && int(data.Get("index").Int()) == l.captureIdx
}

func (l *toolLoop) executeTool(ctx context.Context) {
	input, err := parseToolArgs(l.toolArgs.String())
	if err != nil {
		slog.Warn("unparseable tool arguments",
			"request_id", l.st.RequestID, "tool", l.toolName, "error", err)
		l.appendResult(fmt.Sprintf("Error: invalid tool arguments: %v", err), true, map[string]any{})
		return
	}

	l.h.bus.Publish(events.Event{
		Type:      events.EventAgentTool,
		RequestID: l.st.RequestID,
		Message:   l.captureAgent.Name() + "/" + l.toolName,
	})

	var projectDir string
	if l.h.projects != nil {
		projectDir, _ = l.h.projects.Lookup(l.st.SessionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolExecTimeout)
	defer cancel()
	result, err := l.captureAgent.Handle(callCtx, l.toolName, input, &agent.Meta{
		RequestID:  l.st.RequestID,
		SessionID:  l.st.SessionID,
		ProjectDir: projectDir,
		Config:     l.cfg,
	})
	if err != nil {
		l.appendResult("Error: "+err.Error(), true, input)
		return
	}

	var content string
	switch v := result.(type) {
	case string:
		content = v
	default:
		data, merr := marshalSafe(v)
		if merr != nil {
			l.appendResult("Error: unserializable tool result", true, input)
			return
		}
		content = string(data)
	}
	l.appendResult(content, false, input)
}

func (l *toolLoop) appendResult(content string, isError bool, input map[string]any) {
	l.assistant = append(l.assistant, map[string]any{
		"type":  "tool_use",
		"id":    l.toolID,
		"name":  l.toolName,
		"input": input,
	})
	result := map[string]any{
		"type":        "tool_result",
		"tool_use_id": l.toolID,
		"content":     content,
	}
	if isError {
		result["is_error"] = true
	}
	l.toolResults = append(l.toolResults, result)
}

// followUp replays the conversation plus tool results through the proxy
// itself and splices the answer into the client stream. message_start
// and message_stop are skipped so the client sees one message.
func (l *toolLoop) followUp(ctx context.Context, body map[string]any) {
	next := cloneBody(body)
	messages, _ := next["messages"].([]any)
	messages = append(messages,
		map[string]any{"role": "assistant", "content": l.assistant},
		map[string]any{"role": "user", "content": l.toolResults},
	)
	next["messages"] = messages
	next["stream"] = true
	l.assistant = nil
	l.toolResults = nil

	payload, err := marshalSafe(next)
	if err != nil {
		slog.Error("follow-up marshal failed", "request_id", l.st.RequestID, "error", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, followUpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, l.h.loopbackURL(l.cfg), bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header = l.loopbackHeaders()

	resp, err := l.h.loopback.Do(req)
	if err != nil {
		slog.Error("follow-up request failed", "request_id", l.st.RequestID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("follow-up rejected", "request_id", l.st.RequestID, "status", resp.StatusCode)
		return
	}

	sc := sse.NewScanner(resp.Body)
	for {
		ev, err := sc.Next()
		if err != nil {
			return
		}
		if ev.Name == "message_start" || ev.Name == "message_stop" {
			continue
		}
		if !l.forward(ev) {
			return
		}
	}
}

func (l *toolLoop) loopbackHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	switch l.st.AuthType {
	case request.AuthClientOAuth, request.AuthCCROAuth:
		h.Set("Authorization", "Bearer "+l.st.AuthToken)
	}
	if l.cfg.APIKey != "" {
		h.Set("x-api-key", l.cfg.APIKey)
	}
	if len(l.st.Agents) > 0 {
		h.Set("x-ccr-agents", strings.Join(l.st.Agents, ","))
	}
	return h
}

// forward writes one event to the client. A failed write marks the loop
// aborted; repeated aborts are no-ops.
func (l *toolLoop) forward(ev *sse.Event) bool {
	if l.aborted {
		return false
	}
	if _, err := io.WriteString(l.w, ev.Serialize()); err != nil {
		l.aborted = true
		return false
	}
	if l.flusher != nil {
		l.flusher.Flush()
	}
	return true
}

// parseToolArgs decodes accumulated partial_json. Models occasionally
// emit JS-flavored JSON (single quotes, trailing commas), so a strict
// parse failure gets one more chance as an evaluated JS expression.
func parseToolArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, nil
	}

	vm := goja.New()
	v, err := vm.RunString("(" + raw + ")")
	if err != nil {
		return nil, fmt.Errorf("not valid JSON or JS object: %w", err)
	}
	exported := v.Export()
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool arguments are not an object")
	}
	return m, nil
}

func cloneBody(body map[string]any) map[string]any {
	data, err := json.Marshal(body)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}

// marshalSafe is json.Marshal with cycle defense: any map or slice
// reached twice on the same path is replaced by "[Circular]".
func marshalSafe(v any) ([]byte, error) {
	return json.Marshal(breakCycles(v, make(map[uintptr]bool)))
}

func breakCycles(v any, seen map[uintptr]bool) any {
	switch t := v.(type) {
	case map[string]any:
		p := reflect.ValueOf(t).Pointer()
		if seen[p] {
			return "[Circular]"
		}
		seen[p] = true
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = breakCycles(val, seen)
		}
		delete(seen, p)
		return out
	case []any:
		if len(t) == 0 {
			return t
		}
		p := reflect.ValueOf(t).Pointer()
		if seen[p] {
			return "[Circular]"
		}
		seen[p] = true
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = breakCycles(val, seen)
		}
		delete(seen, p)
		return out
	default:
		return v
	}
}
