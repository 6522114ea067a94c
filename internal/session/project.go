package session

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	projectCacheSize = 1000
	projectCacheTTL  = 10 * time.Minute
)

// ProjectResolver maps a session id to the Claude Code project that owns
// it by probing ~/.claude/projects/<munged-path>/<session-id>.jsonl.
// Hits and misses are both cached; a directory scan is a syscall per
// project, so negative results are worth remembering too.
type ProjectResolver struct {
	root  string
	cache *expirable.LRU[string, string]
}

// NewProjectResolver creates a resolver over root. An empty root means
// the default ~/.claude/projects.
func NewProjectResolver(root string) *ProjectResolver {
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".claude", "projects")
		}
	}
	return &ProjectResolver{
		root:  root,
		cache: expirable.NewLRU[string, string](projectCacheSize, nil, projectCacheTTL),
	}
}

// Lookup returns the project path for a session id, or ("", false).
func (r *ProjectResolver) Lookup(sessionID string) (string, bool) {
	if sessionID == "" || r.root == "" {
		return "", false
	}
	if cached, ok := r.cache.Get(sessionID); ok {
		return cached, cached != ""
	}

	project := r.probe(sessionID)
	r.cache.Add(sessionID, project)
	return project, project != ""
}

func (r *ProjectResolver) probe(sessionID string) string {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		transcript := filepath.Join(r.root, entry.Name(), sessionID+".jsonl")
		if _, err := os.Stat(transcript); err == nil {
			return unmungeProject(entry.Name())
		}
	}
	return ""
}

// unmungeProject reverses Claude Code's directory naming, which encodes
// the project path with "/" replaced by "-". Lossy for paths that
// themselves contain "-", same as the original layout.
func unmungeProject(name string) string {
	return strings.ReplaceAll(name, "-", "/")
}
