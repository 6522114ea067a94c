package router

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/yansir/cc-router/internal/config"
)

const customRouteTimeout = 500 * time.Millisecond

// CustomRouter runs a user-supplied JavaScript hook. The script must
// assign a function to module.exports; it receives (req, config) and
// returns a "provider,model" string, or a falsy value to defer to the
// built-in rules.
type CustomRouter struct {
	mu      sync.Mutex
	path    string
	prog    *goja.Program
	modTime time.Time
}

func NewCustomRouter(path string) *CustomRouter {
	return &CustomRouter{path: path}
}

// Route invokes the hook. Errors never fail the request; the caller
// falls back to the built-in rules.
func (c *CustomRouter) Route(body map[string]any, cfg *config.Config) (string, error) {
	if cfg.CustomRouterPath != "" && cfg.CustomRouterPath != c.path {
		c.mu.Lock()
		c.path = cfg.CustomRouterPath
		c.prog = nil
		c.mu.Unlock()
	}

	prog, err := c.compile()
	if err != nil {
		return "", err
	}

	vm := goja.New()
	timer := time.AfterFunc(customRouteTimeout, func() {
		vm.Interrupt("custom router timed out")
	})
	defer timer.Stop()

	module := vm.NewObject()
	if err := module.Set("exports", vm.NewObject()); err != nil {
		return "", err
	}
	if err := vm.Set("module", module); err != nil {
		return "", err
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return "", fmt.Errorf("custom router: %w", err)
	}

	fn, ok := goja.AssertFunction(module.Get("exports"))
	if !ok {
		return "", fmt.Errorf("custom router: module.exports is not a function")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(cloneForJS(body)), vm.ToValue(configForJS(cfg)))
	if err != nil {
		return "", fmt.Errorf("custom router: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return "", nil
	}
	if s, ok := result.Export().(string); ok {
		return s, nil
	}
	return "", nil
}

// compile caches the program keyed on the script's mtime so edits take
// effect without a restart.
func (c *CustomRouter) compile() (*goja.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return nil, err
	}
	if c.prog != nil && info.ModTime().Equal(c.modTime) {
		return c.prog, nil
	}

	src, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(c.path, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile custom router: %w", err)
	}
	c.prog = prog
	c.modTime = info.ModTime()
	return prog, nil
}

// cloneForJS deep-copies the body so the script cannot mutate what we
// forward upstream.
func cloneForJS(body map[string]any) map[string]any {
	data, err := json.Marshal(body)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}

func configForJS(cfg *config.Config) map[string]any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	// The script has no business seeing inbound credentials.
	delete(out, "api_key")
	return out
}
