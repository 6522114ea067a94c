// Package auth implements the inbound authentication pipeline for proxy
// endpoints. The outcome is a request.State describing which credential,
// if any, travels upstream.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/yansir/cc-router/internal/agent"
	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/oauth"
	"github.com/yansir/cc-router/internal/request"
)

// Rejection is a terminal pipeline outcome. Auth failures answer in
// plain text, matching what Claude Code prints to the user.
type Rejection struct {
	Status  int
	Message string
}

// Pipeline evaluates inbound auth in priority order: OAuth passthrough
// detection, ClaudeMem override, subagent-marker override, then the
// credential ladder (client Bearer, shared CCR token, configured key).
type Pipeline struct {
	shared *oauth.SharedTokenStore
	agents *agent.Registry
}

func NewPipeline(shared *oauth.SharedTokenStore, agents *agent.Registry) *Pipeline {
	return &Pipeline{shared: shared, agents: agents}
}

// Process classifies the request. Exactly one of the returned values is
// non-nil.
func (p *Pipeline) Process(r *http.Request, body map[string]any, rawBody []byte, cfg *config.Config) (*request.State, *Rejection) {
	st := &request.State{RequestID: uuid.New().String()}

	if names := r.Header.Get("x-ccr-agents"); names != "" && p.agents != nil {
		var requested []string
		for _, name := range strings.Split(names, ",") {
			if n := strings.TrimSpace(name); n != "" {
				requested = append(requested, n)
			}
		}
		st.Agents = p.agents.Filter(requested)
	}

	if text := request.SystemText(body, 1); text != "" {
		if m, ok := request.RouterMarker(text); ok {
			st.RouterMarker = m
		}
		if m, ok := request.ModelMarker(text); ok {
			st.ModelMarker = m
		}
	}

	// OAuth passthrough wins over everything: these requests belong to
	// the client's own login flow and are forwarded verbatim, unless a
	// router marker reclaims them.
	d := oauth.Detect(r.URL.Path, r.Header, rawBody)
	if d.Passthrough {
		st.OAuthPassthrough = true
		st.OAuthRequestType = d.RequestType
		st.OAuthConfidence = d.Confidence
		if tok := bearerToken(r); tok != "" {
			st.AuthToken = tok
			st.AuthType = request.AuthClientOAuth
		}
		return st, nil
	}

	// ClaudeMem traffic must never ride the user's OAuth session.
	if request.IsClaudeMem(body) {
		st.ClearAuth()
		slog.Debug("claude-mem request, using provider key", "request_id", st.RequestID)
		return st, nil
	}

	// Marked subagent requests also run on provider keys, except
	// thinking requests, which keep the client credential.
	if (st.RouterMarker != "" || st.ModelMarker != "") && !request.IsThinking(body) {
		st.ClearAuth()
		return st, nil
	}

	return p.credentialLadder(r, cfg, st)
}

func (p *Pipeline) credentialLadder(r *http.Request, cfg *config.Config, st *request.State) (*request.State, *Rejection) {
	if tok := bearerToken(r); tok != "" {
		st.AuthToken = tok
		st.AuthType = request.AuthClientOAuth
		return st, nil
	}

	if shared := p.shared.Get(); shared != nil {
		st.AuthToken = shared.AccessToken
		st.AuthType = request.AuthCCROAuth
		slog.Debug("using shared oauth token",
			"request_id", st.RequestID, "token", request.MaskToken(shared.AccessToken))
		return st, nil
	}

	if cfg.APIKey != "" {
		key := r.Header.Get("x-api-key")
		if key == "" {
			return nil, &Rejection{http.StatusUnauthorized, "x-api-key is missing"}
		}
		if key != cfg.APIKey {
			return nil, &Rejection{http.StatusUnauthorized, "Invalid API key"}
		}
		st.AuthToken = key
		st.AuthType = request.AuthAPIKey
		return st, nil
	}

	// No server key configured: core endpoints require a credential,
	// everything else is open to local origins only.
	if strings.HasPrefix(r.URL.Path, "/v1/messages") || strings.HasPrefix(r.URL.Path, "/v1/chat") {
		return nil, &Rejection{http.StatusUnauthorized, "Authentication required"}
	}
	if origin := r.Header.Get("Origin"); origin != "" && !localOrigin(origin, cfg.Port) {
		return nil, &Rejection{http.StatusForbidden, "CORS not allowed for this origin"}
	}
	return st, nil
}

// bearerToken returns the Authorization bearer token. The scheme match
// is exact: "bearer" and a bare "Bearer" with no token do not count.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tok)
}

func localOrigin(origin string, port int) bool {
	for _, host := range []string{"127.0.0.1", "localhost"} {
		if origin == fmt.Sprintf("http://%s:%d", host, port) {
			return true
		}
	}
	return false
}
