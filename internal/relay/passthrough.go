package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/request"
)

// Hop-by-hop headers never travel across the proxy.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// forwardOAuth relays an OAuth-flow request to the configured upstream
// verbatim: same path, same query, same body, response untouched. The
// proxy must stay invisible to the client's own login machinery.
func (h *Handler) forwardOAuth(ctx context.Context, w http.ResponseWriter, r *http.Request, rawBody []byte, cfg *config.Config, st *request.State) {
	target := strings.TrimSuffix(cfg.OAuthUpstream, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, strings.NewReader(string(rawBody)))
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "oauth upstream unreachable")
		return
	}
	upReq.Header = r.Header.Clone()
	for _, name := range hopHeaders {
		upReq.Header.Del(name)
	}
	upReq.Header.Del("Host")

	h.bus.Publish(events.Event{
		Type:      events.EventPassthrough,
		RequestID: st.RequestID,
		Message:   st.OAuthRequestType,
	})
	slog.Info("oauth passthrough",
		"request_id", st.RequestID,
		"type", st.OAuthRequestType,
		"confidence", st.OAuthConfidence,
		"path", r.URL.Path)

	resp, err := h.loopback.Do(upReq)
	if err != nil {
		slog.Error("oauth passthrough failed", "request_id", st.RequestID, "error", err)
		writeError(w, http.StatusBadGateway, "api_error", "oauth upstream request failed")
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
