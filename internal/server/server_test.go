package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yansir/cc-router/internal/config"
	"github.com/yansir/cc-router/internal/events"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfgJSON := `{
		"api_key": "admin-key",
		"providers": [{"name":"test","api_key":"prov-secret-key-value","models":["m"],"base_url":"https://example.com/v1/messages"}],
		"router": {"default": "test,m"}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(cfgJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgm, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	logs := events.NewLogHandler(slog.LevelInfo, 100)
	srv := New(cfgm, nil, events.NewBus(50), logs, "test")
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp := get(t, ts.URL+"/health", nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"ok"`) {
		t.Fatalf("body = %s", raw)
	}
}

func TestRootBanner(t *testing.T) {
	_, ts := newTestServer(t)
	resp := get(t, ts.URL+"/", nil)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["service"] != "cc-router" || out["version"] != "test" {
		t.Fatalf("banner = %v", out)
	}
}

func TestAdminRequiresKey(t *testing.T) {
	_, ts := newTestServer(t)

	resp := get(t, ts.URL+"/api/config", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", resp.StatusCode)
	}

	resp = get(t, ts.URL+"/api/config", map[string]string{"x-api-key": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}
}

func TestAdminRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t)
	resp := get(t, ts.URL+"/api/logs", map[string]string{
		"x-api-key": "admin-key",
		"Origin":    "http://evil.example",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestConfigMasksSecrets(t *testing.T) {
	_, ts := newTestServer(t)
	resp := get(t, ts.URL+"/api/config", map[string]string{"x-api-key": "admin-key"})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	if strings.Contains(body, "prov-secret-key-value") {
		t.Fatalf("provider key leaked: %s", body)
	}
	if strings.Contains(body, `"admin-key"`) {
		t.Fatalf("server key leaked: %s", body)
	}
	if !strings.Contains(body, "prov-sec…") {
		t.Fatalf("masked prefix missing: %s", body)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)
	slog.New(srv.logs).Info("hello from test")

	resp := get(t, ts.URL+"/api/logs", map[string]string{"x-api-key": "admin-key"})
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "hello from test") {
		t.Fatalf("logs = %s", raw)
	}
}
