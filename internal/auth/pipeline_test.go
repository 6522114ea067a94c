package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/oauth"
	"github.com/yansir/cc-router/internal/request"
)

func newPipeline(t *testing.T) (*Pipeline, *oauth.SharedTokenStore) {
	t.Helper()
	shared := oauth.NewSharedTokenStore(t.TempDir())
	return NewPipeline(shared, nil), shared
}

func messagesReq(t *testing.T, body map[string]any, header map[string]string) (*http.Request, map[string]any, []byte) {
	t.Helper()
	if body == nil {
		body = map[string]any{"model": "claude-sonnet-4"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r, body, raw
}

func TestClientBearerWins(t *testing.T) {
	p, shared := newPipeline(t)
	shared.Put(&oauth.SharedToken{AccessToken: "shared-tok"})

	r, body, raw := messagesReq(t, nil, map[string]string{"Authorization": "Bearer client-tok"})
	st, rej := p.Process(r, body, raw, &config.Config{})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if st.AuthType != request.AuthClientOAuth || st.AuthToken != "client-tok" {
		t.Fatalf("state = %+v", st)
	}
}

func TestSharedTokenFallback(t *testing.T) {
	p, shared := newPipeline(t)
	shared.Put(&oauth.SharedToken{AccessToken: "shared-tok", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()})

	r, body, raw := messagesReq(t, nil, nil)
	st, rej := p.Process(r, body, raw, &config.Config{})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if st.AuthType != request.AuthCCROAuth || st.AuthToken != "shared-tok" {
		t.Fatalf("state = %+v", st)
	}
}

func TestBearerEdgeCasesFallThrough(t *testing.T) {
	p, shared := newPipeline(t)
	shared.Put(&oauth.SharedToken{AccessToken: "shared-tok"})

	for _, h := range []string{"Bearer ", "bearer lower", "Basic abc"} {
		r, body, raw := messagesReq(t, nil, map[string]string{"Authorization": h})
		st, rej := p.Process(r, body, raw, &config.Config{})
		if rej != nil {
			t.Fatalf("%q rejected: %+v", h, rej)
		}
		if st.AuthType != request.AuthCCROAuth {
			t.Fatalf("%q must fall through to the shared token, got %+v", h, st)
		}
	}
}

func TestConfiguredAPIKey(t *testing.T) {
	p, _ := newPipeline(t)
	cfg := &config.Config{APIKey: "secret"}

	r, body, raw := messagesReq(t, nil, nil)
	_, rej := p.Process(r, body, raw, cfg)
	if rej == nil || rej.Status != http.StatusUnauthorized || rej.Message != "x-api-key is missing" {
		t.Fatalf("rejection = %+v", rej)
	}

	r, body, raw = messagesReq(t, nil, map[string]string{"x-api-key": "wrong"})
	_, rej = p.Process(r, body, raw, cfg)
	if rej == nil || rej.Message != "Invalid API key" {
		t.Fatalf("rejection = %+v", rej)
	}

	r, body, raw = messagesReq(t, nil, map[string]string{"x-api-key": "secret"})
	st, rej := p.Process(r, body, raw, cfg)
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if st.AuthType != request.AuthAPIKey {
		t.Fatalf("state = %+v", st)
	}

	// Empty header value counts as missing.
	r, body, raw = messagesReq(t, nil, map[string]string{"x-api-key": ""})
	_, rej = p.Process(r, body, raw, cfg)
	if rej == nil || rej.Message != "x-api-key is missing" {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestNoCredentialRequired(t *testing.T) {
	p, _ := newPipeline(t)

	r, body, raw := messagesReq(t, nil, nil)
	_, rej := p.Process(r, body, raw, &config.Config{})
	if rej == nil || rej.Status != http.StatusUnauthorized || rej.Message != "Authentication required" {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestCORSOnNonCoreEndpoints(t *testing.T) {
	p, _ := newPipeline(t)
	cfg := &config.Config{Port: 3456}

	r := httptest.NewRequest(http.MethodPost, "/api/config", nil)
	r.Header.Set("Origin", "http://evil.example")
	_, rej := p.Process(r, map[string]any{}, nil, cfg)
	if rej == nil || rej.Status != http.StatusForbidden {
		t.Fatalf("rejection = %+v", rej)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/config", nil)
	r.Header.Set("Origin", "http://127.0.0.1:3456")
	st, rej := p.Process(r, map[string]any{}, nil, cfg)
	if rej != nil || st == nil {
		t.Fatalf("local origin rejected: %+v", rej)
	}
}

func TestOAuthPassthroughSkipsLadder(t *testing.T) {
	p, _ := newPipeline(t)

	raw := []byte(`{"grant_type":"refresh_token","refresh_token":"r","client_id":"c"}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/oauth/token", nil)
	r.Header.Set("Authorization", "Bearer client-tok")

	var body map[string]any
	json.Unmarshal(raw, &body)
	st, rej := p.Process(r, body, raw, &config.Config{})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if !st.OAuthPassthrough || st.OAuthRequestType != oauth.RequestTokenExchange {
		t.Fatalf("state = %+v", st)
	}
	if st.AuthToken != "client-tok" {
		t.Fatal("passthrough keeps the client token for forwarding")
	}
}

func TestClaudeMemClearsAuth(t *testing.T) {
	p, shared := newPipeline(t)
	shared.Put(&oauth.SharedToken{AccessToken: "shared-tok"})

	body := map[string]any{
		"model": "claude-sonnet-4",
		"messages": []any{
			map[string]any{"role": "user", "content": "Hello Memory Agent, wake up"},
		},
	}
	r, body, raw := messagesReq(t, body, map[string]string{"Authorization": "Bearer client-tok"})
	st, rej := p.Process(r, body, raw, &config.Config{})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if st.AuthType != request.AuthNone || st.AuthToken != "" {
		t.Fatalf("claude-mem must not carry client auth: %+v", st)
	}
}

func TestMarkerClearsAuthUnlessThinking(t *testing.T) {
	p, _ := newPipeline(t)

	mk := func(thinking bool) map[string]any {
		body := map[string]any{
			"model": "claude-sonnet-4",
			"system": []any{
				map[string]any{"type": "text", "text": "You are Claude Code"},
				map[string]any{"type": "text", "text": "<CCR-SUBAGENT-MODEL>openrouter,gpt-5</CCR-SUBAGENT-MODEL>"},
			},
		}
		if thinking {
			body["thinking"] = map[string]any{"type": "enabled"}
		}
		return body
	}

	r, body, raw := messagesReq(t, mk(false), map[string]string{"Authorization": "Bearer client-tok"})
	st, rej := p.Process(r, body, raw, &config.Config{})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if st.AuthType != request.AuthNone || st.ModelMarker != "openrouter,gpt-5" {
		t.Fatalf("state = %+v", st)
	}

	r, body, raw = messagesReq(t, mk(true), map[string]string{"Authorization": "Bearer client-tok"})
	st, _ = p.Process(r, body, raw, &config.Config{})
	if st.AuthType != request.AuthClientOAuth {
		t.Fatalf("thinking subagent must keep client auth: %+v", st)
	}
}
