// Package relay is the proxy core: it authenticates the inbound
// request, routes it, forwards it upstream, and streams the answer back.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yansir/cc-router/internal/agent"
	"github.com/yansir/cc-router/internal/auth"
	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/request"
	"github.com/yansir/cc-router/internal/router"
	"github.com/yansir/cc-router/internal/session"
	"github.com/yansir/cc-router/internal/store"
	"github.com/yansir/cc-router/internal/tokencount"
	"github.com/yansir/cc-router/internal/transport"
)

const maxBodySize = 100 << 20

// Handler serves the proxy endpoints.
type Handler struct {
	cfgm       *config.Manager
	pipeline   *auth.Pipeline
	resolver   *router.Resolver
	transports *transport.Manager
	agents     *agent.Registry
	usage      *session.UsageCache
	projects   *session.ProjectResolver
	counter    *tokencount.Counter
	bus        *events.Bus
	store      *store.Store

	// loopback issues follow-up requests back through the proxy.
	loopback *http.Client
	loopAddr string
}

func NewHandler(
	cfgm *config.Manager,
	pipeline *auth.Pipeline,
	resolver *router.Resolver,
	transports *transport.Manager,
	agents *agent.Registry,
	usage *session.UsageCache,
	projects *session.ProjectResolver,
	counter *tokencount.Counter,
	bus *events.Bus,
	st *store.Store,
) *Handler {
	return &Handler{
		cfgm:       cfgm,
		pipeline:   pipeline,
		resolver:   resolver,
		transports: transports,
		agents:     agents,
		usage:      usage,
		projects:   projects,
		counter:    counter,
		bus:        bus,
		store:      st,
		loopback:   &http.Client{},
	}
}

// SetLoopbackAddr tells the handler where the proxy itself listens.
func (h *Handler) SetLoopbackAddr(addr string) {
	h.loopAddr = addr
}

func (h *Handler) loopbackURL(cfg *config.Config) string {
	if h.loopAddr != "" {
		return "http://" + h.loopAddr + "/v1/messages"
	}
	return fmt.Sprintf("http://127.0.0.1:%d/v1/messages", cfg.Port)
}

// HandleMessages serves POST /v1/messages and the OAuth-shaped paths.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := h.cfgm.Current()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
		return
	}

	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = nil
		}
	}
	if body == nil {
		body = map[string]any{}
	}

	st, rej := h.pipeline.Process(r, body, raw, cfg)
	if rej != nil {
		h.bus.Publish(events.Event{Type: events.EventAuthReject, Message: rej.Message})
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(rej.Status)
		io.WriteString(w, rej.Message)
		return
	}
	ctx := request.NewContext(r.Context(), st)

	if st.OAuthPassthrough && st.RouterMarker == "" {
		h.forwardOAuth(ctx, w, r, raw, cfg, st)
		return
	}

	if len(st.Agents) > 0 {
		h.agents.InjectTools(st.Agents, body)
	}

	h.resolver.Resolve(cfg, st, body)

	provider := cfg.FindProvider(st.Provider)
	if provider == nil {
		writeError(w, http.StatusServiceUnavailable, "api_error", "no provider available for this request")
		return
	}

	h.bus.Publish(events.Event{
		Type:      events.EventRoute,
		RequestID: st.RequestID,
		Provider:  st.Provider,
		Model:     st.Model,
		Message:   string(st.AuthType),
	})
	slog.Info("routing request",
		"request_id", st.RequestID,
		"provider", st.Provider,
		"model", st.Model,
		"route", st.Route,
		"auth", string(st.AuthType),
		"token", request.MaskToken(st.AuthToken))

	payload, err := marshalSafe(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "request serialization failed")
		return
	}

	streaming := truthyStream(body["stream"])
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL, strings.NewReader(string(payload)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "bad provider base_url")
		return
	}
	upReq.Header = outboundHeaders(st, provider)
	if streaming {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	client := h.transports.GetClient(provider, streaming)
	resp, err := client.Do(upReq)
	if err != nil {
		slog.Error("upstream request failed",
			"request_id", st.RequestID, "provider", st.Provider, "error", err)
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		h.record(st, http.StatusBadGateway, start)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		errBody = ScrubSecrets(errBody)
		slog.Warn("upstream error",
			"request_id", st.RequestID, "status", resp.StatusCode, "body", string(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(errBody)
		h.record(st, resp.StatusCode, start)
		return
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		h.streamResponse(ctx, w, resp, st, cfg, body)
	} else {
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err == nil {
			if u, ok := usageFromJSON(string(respBody)); ok {
				recordUsage(h.usage, st.SessionID, u)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
	}
	h.record(st, resp.StatusCode, start)
}

func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, st *request.State, cfg *config.Config, body map[string]any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if len(st.Agents) > 0 {
		// The tool loop parses every event anyway; it records usage
		// inline instead of through a tee.
		loop := newToolLoop(h, st, cfg, w)
		loop.run(ctx, resp.Body, body)
		return
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanUsage(pr, h.usage, st.SessionID)
	}()

	flusher, _ := w.(http.Flusher)
	tee := io.TeeReader(resp.Body, pw)
	buf := make([]byte, 32*1024)
	for {
		n, err := tee.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	pw.Close()
	<-done
}

// HandleCountTokens serves POST /v1/messages/count_tokens locally; the
// estimate never leaves the machine.
func (h *Handler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfgm.Current()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	if _, rej := h.pipeline.Process(r, body, raw, cfg); rej != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(rej.Status)
		io.WriteString(w, rej.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"input_tokens": h.counter.Count(body)})
}

func (h *Handler) record(st *request.State, status int, start time.Time) {
	if h.store == nil {
		return
	}
	u, _ := h.usage.Get(st.SessionID)
	l := &store.RequestLog{
		RequestID:         st.RequestID,
		SessionID:         st.SessionID,
		Provider:          st.Provider,
		Model:             st.Model,
		Route:             st.Route,
		AuthType:          string(st.AuthType),
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheReadTokens:   u.CacheReadInputTokens,
		CacheCreateTokens: u.CacheCreationInputTokens,
		Status:            status,
		DurationMs:        time.Since(start).Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.InsertRequestLog(ctx, l); err != nil {
			slog.Warn("request log insert failed", "error", err)
		}
	}()
}

func truthyStream(v any) bool {
	b, _ := v.(bool)
	return b
}
