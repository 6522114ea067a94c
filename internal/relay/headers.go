package relay

import (
	"net/http"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/request"
	"github.com/yansir/cc-router/internal/router"
)

// outboundHeaders builds the upstream header set. Exactly one credential
// travels: the client or shared OAuth token as a Bearer, otherwise the
// provider API key selected by the resolver.
func outboundHeaders(st *request.State, provider *config.Provider) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", "2023-06-01")

	switch st.AuthType {
	case request.AuthClientOAuth, request.AuthCCROAuth:
		h.Set("Authorization", "Bearer "+st.AuthToken)
		return h
	}

	key := st.SelectedAPIKey
	if key == "" && provider != nil {
		key = router.SelectKey(provider)
	}
	if key != "" {
		h.Set("x-api-key", key)
	}
	return h
}
