package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
	"github.com/yansir/cc-router/internal/oauth"
	"github.com/yansir/cc-router/internal/request"
)

// requireAdmin protects the admin API: the configured api_key when one
// is set, and a local-origin check always.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfgm.Current()

		if origin := r.Header.Get("Origin"); origin != "" && !isLocalOrigin(origin, cfg.Port) {
			writeAdminError(w, http.StatusForbidden, "forbidden", "CORS not allowed for this origin")
			return
		}
		if cfg.APIKey != "" && r.Header.Get("x-api-key") != cfg.APIKey {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing x-api-key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string, port int) bool {
	return origin == fmt.Sprintf("http://127.0.0.1:%d", port) ||
		origin == fmt.Sprintf("http://localhost:%d", port)
}

// handleGetConfig returns the active snapshot with credentials masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgm.Current()

	out := *cfg
	out.APIKey = request.MaskToken(cfg.APIKey)
	out.Providers = make([]config.Provider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		p.APIKey = request.MaskToken(p.APIKey)
		keys := ""
		for j, k := range p.Keys() {
			if j > 0 {
				keys += ";"
			}
			keys += request.MaskToken(k)
		}
		p.APIKeys = keys
		if p.Proxy != nil {
			proxy := *p.Proxy
			proxy.Password = request.MaskToken(proxy.Password)
			p.Proxy = &proxy
		}
		out.Providers[i] = p
	}
	writeJSON(w, http.StatusOK, &out)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := s.logs.Recent()
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

// handleEvents streams the event bus over SSE, replaying the ring first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	write := func(e events.Event) bool {
		data, err := json.Marshal(e)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range recent {
		if !write(e) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			if !write(e) {
				return
			}
		}
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"periods": nil, "recent": nil})
		return
	}
	periods, err := s.store.QueryUsagePeriods(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	recent, err := s.store.RecentRequestLogs(r.Context(), 50)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": periods, "recent": recent})
}

// handleOAuthLogin starts a PKCE login and returns the authorize URL.
func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	lu, err := s.oauth.GenerateLoginURL()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	slog.Info("oauth login started", "state", lu.State[:8]+"…")
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": lu.URL})
}

// handleOAuthExchange turns the pasted callback code into credentials
// and publishes the fresh token to the shared store for sibling
// processes.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || json.Unmarshal(raw, &req) != nil || req.Code == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "body must carry a code")
		return
	}

	creds, err := s.oauth.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.shared.Put(&oauth.SharedToken{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   creds.ExpiresAt,
	}); err != nil {
		slog.Warn("shared token publish failed", "error", err)
	}

	s.bus.Publish(events.Event{Type: events.EventOAuth, Message: "login completed"})
	slog.Info("oauth login completed", "token", request.MaskToken(creds.AccessToken))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      request.MaskToken(creds.AccessToken),
		"expires_at": creds.ExpiresAt,
	})
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	st := s.oauth.GetStatus()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOAuthLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.Logout(); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := s.shared.Clear(); err != nil {
		slog.Warn("shared token clear failed", "error", err)
	}
	s.bus.Publish(events.Event{Type: events.EventOAuth, Message: "logout", Timestamp: time.Now()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
