package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/yansir/cc-router/internal/request"
)

const (
	oauthClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthAuthorizeEP = "https://claude.ai/oauth/authorize"
	oauthTokenEP     = "https://console.anthropic.com/v1/oauth/token"
	oauthRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	oauthScopes      = "org:create_api_key user:profile user:inference"

	// refreshBuffer is subtracted from expiry everywhere: a credential is
	// treated as expired 5 minutes before its wall-clock expiry.
	refreshBuffer = 5 * time.Minute

	loginStateTTL = 10 * time.Minute
)

// Credentials is the persisted OAuth credential set, mode 0600.
type Credentials struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at_ms"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Valid reports whether the access token is still usable at the given
// instant, honoring the refresh buffer.
func (c *Credentials) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.UnixMilli()+refreshBuffer.Milliseconds() < c.ExpiresAt
}

type loginState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	CreatedAt    int64  `json:"created_at_ms"`
}

// LoginURL is the result of GenerateLoginURL.
type LoginURL struct {
	URL      string `json:"url"`
	State    string `json:"state"`
	Verifier string `json:"-"`
}

// Status summarizes the stored credentials without exposing them.
type Status struct {
	HasCredentials bool  `json:"has_credentials"`
	ExpiresAt      int64 `json:"expires_at_ms,omitempty"`
	IsExpired      bool  `json:"is_expired,omitempty"`
}

// Client implements the PKCE authorization-code flow and owns the
// credentials file. Refreshes are serialized by an in-process singleflight
// and an on-disk advisory lock, so parallel processes never race.
type Client struct {
	dir      string
	tokenURL string
	client   *http.Client
	group    singleflight.Group
}

func NewClient(dir string) *Client {
	return &Client{
		dir:      dir,
		tokenURL: oauthTokenEP,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) credsPath() string { return filepath.Join(c.dir, "oauth.json") }
func (c *Client) statePath() string { return filepath.Join(c.dir, "oauth_state.json") }
func (c *Client) lockPath() string  { return filepath.Join(c.dir, "oauth.lock") }

// GenerateLoginURL builds the authorization URL and persists the PKCE
// login state (mode 0600, 10 minute TTL).
func (c *Client) GenerateLoginURL() (*LoginURL, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, err
	}
	state := hex.EncodeToString(stateBytes)

	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, err
	}
	ls := loginState{State: state, CodeVerifier: verifier, CreatedAt: time.Now().UnixMilli()}
	data, err := json.Marshal(&ls)
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(c.statePath(), data, 0o600); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", oauthScopes)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	return &LoginURL{
		URL:      oauthAuthorizeEP + "?" + q.Encode(),
		State:    state,
		Verifier: verifier,
	}, nil
}

// ExchangeCode completes the PKCE flow. Input may be a raw "code#state"
// pair, a query string, or the full callback URL. The login state file is
// unlinked after any attempt, success or not.
func (c *Client) ExchangeCode(ctx context.Context, input string) (*Credentials, error) {
	defer os.Remove(c.statePath())

	data, err := os.ReadFile(c.statePath())
	if err != nil {
		return nil, fmt.Errorf("no pending login: %w", err)
	}
	var ls loginState
	if err := json.Unmarshal(data, &ls); err != nil || ls.State == "" || ls.CodeVerifier == "" {
		return nil, errors.New("login state corrupt")
	}
	if time.Now().UnixMilli()-ls.CreatedAt > loginStateTTL.Milliseconds() {
		return nil, errors.New("login state expired")
	}

	code, state := parseExchangeInput(input)
	if code == "" {
		return nil, errors.New("no authorization code in input")
	}
	if state == "" || state != ls.State {
		return nil, errors.New("state mismatch, possible CSRF")
	}

	tok, err := c.callTokenEndpoint(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     oauthClientID,
		"code":          code,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": ls.CodeVerifier,
		"state":         state,
	})
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("token response missing refresh_token")
	}

	creds := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + int64(tok.ExpiresIn)*1000,
		Scopes:       splitScopes(tok.Scope),
	}
	if err := c.storeCredentials(creds); err != nil {
		return nil, err
	}
	slog.Info("oauth login complete", "expiresAt", creds.ExpiresAt)
	return creds, nil
}

// Refresh exchanges the refresh token for new credentials. When the
// response omits a refresh token, the old one is kept.
func (c *Client) Refresh(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	tok, err := c.callTokenEndpoint(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return nil, err
	}
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	next := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().UnixMilli() + int64(tok.ExpiresIn)*1000,
		Scopes:       creds.Scopes,
	}
	if s := splitScopes(tok.Scope); s != nil {
		next.Scopes = s
	}
	return next, nil
}

// AccessToken returns a valid access token, refreshing if needed.
// Concurrent callers collapse onto a single refresh.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	creds, err := c.loadCredentials()
	if err != nil {
		return "", err
	}
	if creds.Valid(time.Now()) {
		return creds.AccessToken, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refreshWithLock(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(*Credentials).AccessToken, nil
}

// refreshWithLock serializes the refresh across processes via the file
// lock, re-reading credentials after acquisition to absorb a refresh a
// peer already performed.
func (c *Client) refreshWithLock(ctx context.Context) (*Credentials, error) {
	lock := flock.New(c.lockPath())
	locked := acquireLock(lock.TryLock, 5, 50*time.Millisecond, 500*time.Millisecond)
	if locked {
		defer lock.Unlock()
	} else {
		slog.Warn("oauth lock unavailable, refreshing in-process only")
	}

	creds, err := c.loadCredentials()
	if err != nil {
		return nil, err
	}
	if creds.Valid(time.Now()) {
		// A peer refreshed while we waited for the lock.
		return creds, nil
	}

	slog.Info("refreshing oauth token", "token", request.MaskToken(creds.AccessToken))
	next, err := c.Refresh(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	if err := c.storeCredentials(next); err != nil {
		return nil, err
	}
	slog.Info("oauth token refreshed", "expiresAt", next.ExpiresAt)
	return next, nil
}

// GetStatus summarizes credential state.
func (c *Client) GetStatus() Status {
	creds, err := c.loadCredentials()
	if err != nil {
		return Status{}
	}
	return Status{
		HasCredentials: true,
		ExpiresAt:      creds.ExpiresAt,
		IsExpired:      !creds.Valid(time.Now()),
	}
}

// Logout deletes the stored credentials. Missing file is success.
func (c *Client) Logout() error {
	err := os.Remove(c.credsPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Client) loadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(c.credsPath())
	if err != nil {
		return nil, fmt.Errorf("no oauth credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("oauth credentials corrupt: %w", err)
	}
	if creds.RefreshToken == "" && creds.AccessToken == "" {
		return nil, errors.New("oauth credentials empty")
	}
	return &creds, nil
}

func (c *Client) storeCredentials(creds *Credentials) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.credsPath(), data, 0o600)
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
	Scope        string  `json:"scope,omitempty"`
}

func (c *Client) callTokenEndpoint(ctx context.Context, params map[string]string) (*tokenResponse, error) {
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	if tok.ExpiresIn <= 0 {
		return nil, errors.New("token response missing expires_in")
	}
	return &tok, nil
}

// parseExchangeInput accepts a full callback URL, a query string, or a raw
// "code#state" pair.
func parseExchangeInput(input string) (code, state string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ""
	}

	if strings.Contains(input, "://") {
		if u, err := url.Parse(input); err == nil {
			return u.Query().Get("code"), u.Query().Get("state")
		}
	}

	if strings.ContainsAny(input, "=&") {
		q := strings.TrimPrefix(strings.TrimPrefix(input, "?"), "#")
		if vals, err := url.ParseQuery(q); err == nil {
			return vals.Get("code"), vals.Get("state")
		}
	}

	// Anthropic's manual callback page displays "code#state".
	if before, after, found := strings.Cut(input, "#"); found {
		return before, after
	}
	return input, ""
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
