// Package router decides which "provider,model" serves a request.
package router

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/request"
	"github.com/yansir/cc-router/internal/session"
	"github.com/yansir/cc-router/internal/tokencount"
)

// Long-context routing also triggers when the session already grew past
// the threshold upstream and the current request is itself substantial.
const sessionUsageFloor = 20000

// Resolver applies the routing rules to a parsed request body and
// records the outcome on the request state.
type Resolver struct {
	counter *tokencount.Counter
	usage   *session.UsageCache
	custom  *CustomRouter

	// Replacement system prompt, cached by file mtime.
	promptMu   sync.Mutex
	promptPath string
	promptMod  time.Time
	promptText string
}

func NewResolver(counter *tokencount.Counter, usage *session.UsageCache, custom *CustomRouter) *Resolver {
	return &Resolver{counter: counter, usage: usage, custom: custom}
}

// Resolve rewrites body.model in place and fills st.Provider, st.Model,
// and st.SelectedAPIKey. Any routing failure falls back to the default
// route; routing must never fail a request outright.
func (r *Resolver) Resolve(cfg *config.Config, st *request.State, body map[string]any) {
	st.SessionID = request.SessionID(body)

	r.rewriteSystemPrompt(cfg, body)

	target, kind := r.route(cfg, st, body)
	if target == "" {
		// Nothing configured: forward the client's model untouched,
		// but still attach a provider key when the model names one.
		target, _ = body["model"].(string)
		if !strings.Contains(target, ",") {
			return
		}
		kind = "client"
	}
	st.Route = kind

	final := PickAlternative(target)
	body["model"] = final

	provider, model, ok := request.ParseModel(final)
	if !ok {
		return
	}
	st.Provider, st.Model = provider, model
	if p := cfg.FindProvider(provider); p != nil {
		st.SelectedAPIKey = SelectKey(p)
	}
}

func (r *Resolver) route(cfg *config.Config, st *request.State, body map[string]any) (target, kind string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("routing panic, using default route", "panic", rec)
			target, kind = cfg.Router.Target("default"), "default"
		}
	}()

	if r.custom != nil && cfg.CustomRouterPath != "" {
		custom, err := r.custom.Route(body, cfg)
		if err != nil {
			slog.Warn("custom router failed, using built-in rules", "error", err)
		} else if custom != "" {
			return custom, "custom"
		}
	}

	if st.RouterMarker != "" {
		if t := cfg.Router.Target(st.RouterMarker); t != "" {
			stripMarkers(body, true, true)
			return t, st.RouterMarker
		}
		// Unknown route name: drop the marker and fall through.
		stripMarkers(body, true, false)
	}

	model, _ := body["model"].(string)
	if provider, m, ok := request.ParseModel(model); ok {
		if p := cfg.FindProvider(provider); p != nil && p.HasModel(m) {
			return model, "explicit"
		}
		// Unknown explicit pair: honor the client's literal value.
		return model, "explicit"
	}

	tokens := r.counter.Count(body)
	if t := cfg.Router.Target("longContext"); t != "" {
		threshold := cfg.Router.Threshold()
		if tokens > threshold {
			return t, "longContext"
		}
		if u, ok := r.usage.Get(st.SessionID); ok && u.InputTokens > threshold && tokens > sessionUsageFloor {
			return t, "longContext"
		}
	}

	if st.ModelMarker != "" && !st.OAuthPassthrough {
		stripMarkers(body, false, true)
		return st.ModelMarker, "model-marker"
	}

	lower := strings.ToLower(model)
	if t := cfg.Router.Target("background"); t != "" &&
		strings.Contains(lower, "claude") && strings.Contains(lower, "haiku") {
		return t, "background"
	}

	if t := cfg.Router.Target("webSearch"); t != "" && request.HasWebSearchTool(body) {
		return t, "webSearch"
	}

	if t := cfg.Router.Target("think"); t != "" && request.IsThinking(body) {
		return t, "think"
	}

	return cfg.Router.Target("default"), "default"
}

func stripMarkers(body map[string]any, router, model bool) {
	text := request.SystemText(body, 1)
	if text == "" {
		return
	}
	if router {
		text = request.StripRouterMarker(text)
	}
	if model {
		text = request.StripModelMarker(text)
	}
	request.SetSystemText(body, 1, text)
}

// rewriteSystemPrompt replaces everything before the last <env> block of
// the Claude Code system prompt with the contents of the configured file.
// An unreadable file or a prompt without an <env> block leaves the
// request untouched.
func (r *Resolver) rewriteSystemPrompt(cfg *config.Config, body map[string]any) {
	if cfg.RewriteSystemPrompt == "" {
		return
	}
	replacement := r.loadPrompt(cfg.RewriteSystemPrompt)
	if replacement == "" {
		return
	}
	text := request.SystemText(body, 1)
	if text == "" {
		return
	}
	idx := strings.LastIndex(text, "<env>")
	if idx < 0 {
		return
	}
	request.SetSystemText(body, 1, replacement+"\n"+text[idx:])
}

// loadPrompt reads the replacement prompt file, cached until its mtime
// changes.
func (r *Resolver) loadPrompt(path string) string {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("system prompt file unreadable", "path", path, "error", err)
		return ""
	}
	if path == r.promptPath && info.ModTime().Equal(r.promptMod) {
		return r.promptText
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("system prompt file unreadable", "path", path, "error", err)
		return ""
	}
	r.promptPath = path
	r.promptMod = info.ModTime()
	r.promptText = strings.TrimRight(string(data), "\n")
	return r.promptText
}
