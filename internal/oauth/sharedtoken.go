package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// sharedTokenMaxAge is how long a peer-published token stays usable.
const sharedTokenMaxAge = 5 * time.Minute

// SharedToken is the access token a peer process publishes for this router.
type SharedToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   int64 // unix ms, 0 when the peer did not report one
}

type sharedTokenFile struct {
	Token struct {
		AccessToken json.RawMessage `json:"access_token"`
		TokenType   string          `json:"token_type,omitempty"`
		ExpiresAt   int64           `json:"expires_at,omitempty"`
	} `json:"token"`
	TimestampMS int64  `json:"timestamp_ms"`
	Source      string `json:"source,omitempty"`
}

// SharedTokenStore reads the shared OAuth token file written by a peer
// process. All failures degrade to "no token"; the store never returns an
// error to its callers.
type SharedTokenStore struct {
	path     string
	lockPath string
}

func NewSharedTokenStore(dir string) *SharedTokenStore {
	return &SharedTokenStore{
		path:     filepath.Join(dir, "shared-oauth-token.json"),
		lockPath: filepath.Join(dir, "shared-oauth-token.lock"),
	}
}

// Get returns the published token, or nil. Every call enforces file mode
// 0600 and the staleness policy; a stale file is deleted.
func (s *SharedTokenStore) Get() *SharedToken {
	lock := flock.New(s.lockPath)
	if !acquireLock(lock.TryRLock, 3, 50*time.Millisecond, 200*time.Millisecond) {
		slog.Debug("shared token read lock unavailable")
		return nil
	}
	defer lock.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(s.path, 0o600); err != nil {
			slog.Warn("shared token file mode fix failed, rejecting token", "error", err)
			return nil
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}

	var f sharedTokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("shared token file malformed, removing")
		s.removeLocked()
		return nil
	}

	var accessToken string
	if err := json.Unmarshal(f.Token.AccessToken, &accessToken); err != nil || accessToken == "" {
		s.removeLocked()
		return nil
	}

	now := time.Now().UnixMilli()
	if f.TimestampMS == 0 || now-f.TimestampMS > sharedTokenMaxAge.Milliseconds() {
		slog.Debug("shared token past max age, removing", "ageMs", now-f.TimestampMS)
		s.removeLocked()
		return nil
	}
	if f.Token.ExpiresAt != 0 && f.Token.ExpiresAt <= now {
		slog.Debug("shared token expired, removing")
		s.removeLocked()
		return nil
	}

	return &SharedToken{
		AccessToken: accessToken,
		TokenType:   f.Token.TokenType,
		ExpiresAt:   f.Token.ExpiresAt,
	}
}

// Put publishes a token for peers, replacing any existing file atomically.
func (s *SharedTokenStore) Put(tok *SharedToken) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	lock := flock.New(s.lockPath)
	if !acquireLock(lock.TryLock, 5, 50*time.Millisecond, 500*time.Millisecond) {
		return errors.New("shared token write lock unavailable")
	}
	defer lock.Unlock()

	var f sharedTokenFile
	raw, _ := json.Marshal(tok.AccessToken)
	f.Token.AccessToken = raw
	f.Token.TokenType = tok.TokenType
	f.Token.ExpiresAt = tok.ExpiresAt
	f.TimestampMS = time.Now().UnixMilli()
	f.Source = "cc-router"

	data, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, data, 0o600)
}

// Clear removes the token file. A missing file is success.
func (s *SharedTokenStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SharedTokenStore) removeLocked() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("shared token removal failed", "error", err)
	}
}

// acquireLock retries a non-blocking lock with jittered backoff.
func acquireLock(try func() (bool, error), attempts int, minDelay, maxDelay time.Duration) bool {
	for i := 0; i < attempts; i++ {
		ok, err := try()
		if err == nil && ok {
			return true
		}
		if i == attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		time.Sleep(minDelay + jitter)
	}
	return false
}
