package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLongContextThreshold is the token count above which the
// longContext route is preferred.
const DefaultLongContextThreshold = 60000

// ProxyConfig describes an outbound proxy for a provider.
type ProxyConfig struct {
	Type     string `json:"type"` // "socks5" or "http"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Provider is one upstream LLM provider.
type Provider struct {
	Name        string          `json:"name"`
	APIKey      string          `json:"api_key,omitempty"`
	APIKeys     string          `json:"api_keys,omitempty"` // ";"-separated
	KeyWeights  []float64       `json:"key_weights,omitempty"`
	Models      []string        `json:"models"`
	BaseURL     string          `json:"base_url"`
	Transformer json.RawMessage `json:"transformer,omitempty"`
	Proxy       *ProxyConfig    `json:"proxy,omitempty"`
}

// Keys returns the provider's API keys: api_keys split on ";" (trimmed,
// empties dropped), falling back to the single api_key field. Order is
// preserved.
func (p *Provider) Keys() []string {
	if p.APIKeys != "" {
		parts := strings.Split(p.APIKeys, ";")
		keys := make([]string, 0, len(parts))
		for _, part := range parts {
			if k := strings.TrimSpace(part); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			return keys
		}
	}
	if p.APIKey != "" {
		return []string{p.APIKey}
	}
	return nil
}

// HasModel reports whether the provider lists the model (case-insensitive).
func (p *Provider) HasModel(model string) bool {
	for _, m := range p.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// Router maps route kinds to "provider,model[;provider,model...]" targets.
// Besides the well-known kinds (default, think, longContext, background,
// webSearch) arbitrary user-named kinds are kept for subagent router markers.
type Router struct {
	Targets              map[string]string
	LongContextThreshold int
}

func (r *Router) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Targets = make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "longContextThreshold" {
			var n float64
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("router.longContextThreshold: %w", err)
			}
			r.LongContextThreshold = int(n)
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("router.%s: %w", k, err)
		}
		r.Targets[k] = s
	}
	return nil
}

func (r Router) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Targets)+1)
	for k, v := range r.Targets {
		out[k] = v
	}
	if r.LongContextThreshold > 0 {
		out["longContextThreshold"] = r.LongContextThreshold
	}
	return json.Marshal(out)
}

// Target returns the configured target for a route kind, or "".
func (r *Router) Target(kind string) string {
	if r.Targets == nil {
		return ""
	}
	return r.Targets[kind]
}

// Threshold returns the long-context threshold with the default applied.
func (r *Router) Threshold() int {
	if r.LongContextThreshold > 0 {
		return r.LongContextThreshold
	}
	return DefaultLongContextThreshold
}

// Config is one immutable configuration snapshot. Snapshots are never
// mutated after Load; reloads swap in a fresh value.
type Config struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	LogLevel string `json:"log_level,omitempty"`

	Providers []Provider `json:"providers"`
	Router    Router     `json:"router"`

	RewriteSystemPrompt string `json:"rewrite_system_prompt,omitempty"`
	CustomRouterPath    string `json:"custom_router_path,omitempty"`

	OAuthUpstream string `json:"oauth_upstream,omitempty"`
	UIPath        string `json:"ui_path,omitempty"`
	DBPath        string `json:"db_path,omitempty"`
}

// FindProvider looks up a provider by name, case-insensitively.
func (c *Config) FindProvider(name string) *Provider {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i]
		}
	}
	return nil
}

func (c *Config) applyDefaults(dir string) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3456
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OAuthUpstream == "" {
		c.OAuthUpstream = "https://console.anthropic.com"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "requests.db")
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: missing name", i)
		}
		lower := strings.ToLower(p.Name)
		if seen[lower] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[lower] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: missing base_url", p.Name)
		}
	}
	return nil
}

// Dir returns the application state directory (~/.cc-router).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cc-router"
	}
	return filepath.Join(home, ".cc-router")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
