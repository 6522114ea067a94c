package request

import (
	"context"
)

// AuthType identifies how the inbound request authenticated.
type AuthType string

const (
	AuthClientOAuth AuthType = "client-oauth"
	AuthCCROAuth    AuthType = "ccr-oauth"
	AuthAPIKey      AuthType = "api-key"
	// AuthNone means the upstream call uses the provider API key from
	// config. This is what the ClaudeMem and subagent-marker overrides
	// deliberately produce.
	AuthNone AuthType = ""
)

// State carries everything the pipeline attaches to a request. It is
// threaded through the handler chain via context.
type State struct {
	RequestID string

	AuthToken string
	AuthType  AuthType

	SessionID string

	// Agents allowed to contribute tools to this request.
	Agents []string

	// Subagent markers extracted from system[1].text.
	RouterMarker string
	ModelMarker  string

	OAuthPassthrough bool
	OAuthRequestType string
	OAuthConfidence  float64

	// SelectedAPIKey is the provider key picked by the resolver.
	SelectedAPIKey string

	// Provider and Model are the resolved upstream target; Route names
	// the rule that picked them.
	Provider string
	Model    string
	Route    string
}

// ClearAuth drops any attached inbound credential so the upstream call
// falls back to the provider API key.
func (s *State) ClearAuth() {
	s.AuthToken = ""
	s.AuthType = AuthNone
}

type ctxKey struct{}

// NewContext attaches the state to a context.
func NewContext(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request state, or nil.
func FromContext(ctx context.Context) *State {
	v, _ := ctx.Value(ctxKey{}).(*State)
	return v
}
