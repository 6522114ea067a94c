package oauth

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Request types assigned by the detector.
const (
	RequestTokenExchange = "token_exchange"
	RequestTokenRefresh  = "token_refresh"
	RequestUserInfo      = "user_info"
)

// passthroughThreshold: a request at or above this confidence is treated
// as OAuth passthrough and skips the inbound auth state machine.
const passthroughThreshold = 0.3

var oauthPathRe = regexp.MustCompile(`/v[0-9]*/?oauth/(token|refresh|revoke|userinfo|introspect)`)

// oauthParams are the body fields that signal an OAuth request. Two or
// more of them together are a strong signal.
var oauthParams = []string{
	"grant_type", "refresh_token", "client_id", "client_secret",
	"code", "redirect_uri", "scope",
}

// Detection is the classifier result.
type Detection struct {
	Passthrough bool
	RequestType string
	Confidence  float64
}

// Detect classifies a request as OAuth passthrough using three signals:
// the URL path (+0.6), OAuth body parameters (+0.3), and OAuth-ish
// headers (+0.1). The score is accumulated in tenths so threshold
// comparisons stay exact.
func Detect(path string, header http.Header, body []byte) Detection {
	var d Detection
	score := 0

	if m := oauthPathRe.FindStringSubmatch(path); m != nil {
		score += 6
		switch m[1] {
		case "token":
			d.RequestType = RequestTokenExchange
		case "refresh":
			d.RequestType = RequestTokenRefresh
		case "userinfo":
			d.RequestType = RequestUserInfo
		}
	}

	if params := bodyParams(header.Get("Content-Type"), body); params != nil {
		present := 0
		for _, name := range oauthParams {
			if _, ok := params[name]; ok {
				present++
			}
		}
		if present >= 2 {
			score += 3
		}
		switch params["grant_type"] {
		case "authorization_code", "client_credentials":
			d.RequestType = RequestTokenExchange
		case "refresh_token":
			d.RequestType = RequestTokenRefresh
		default:
			if d.RequestType == "" {
				if _, ok := params["refresh_token"]; ok {
					d.RequestType = RequestTokenRefresh
				}
			}
		}
	}

	if hasOAuthHeaders(header) {
		score++
	}

	if score > 10 {
		score = 10
	}
	d.Confidence = float64(score) / 10
	d.Passthrough = d.Confidence >= passthroughThreshold
	return d
}

// bodyParams extracts top-level OAuth parameters from a JSON or
// form-encoded body. Returns nil when the body carries neither.
func bodyParams(contentType string, body []byte) map[string]string {
	if len(body) == 0 {
		return nil
	}

	if gjson.ValidBytes(body) {
		params := make(map[string]string)
		gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
			params[key.String()] = value.String()
			return true
		})
		return params
	}

	if strings.Contains(contentType, "x-www-form-urlencoded") {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		params := make(map[string]string, len(vals))
		for k := range vals {
			params[k] = vals.Get(k)
		}
		return params
	}

	return nil
}

func hasOAuthHeaders(header http.Header) bool {
	if strings.HasPrefix(header.Get("Authorization"), "Basic ") {
		return true
	}
	if header.Get("DPoP") != "" {
		return true
	}
	for name := range header {
		if strings.Contains(strings.ToLower(name), "oauth") {
			return true
		}
	}
	return false
}
