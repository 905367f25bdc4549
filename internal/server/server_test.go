package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AIRWAVE_DB_BACKEND", "sqlite")
	t.Setenv("AIRWAVE_DB_DSN", filepath.Join(dir, "airwave.db"))
	t.Setenv("AIRWAVE_JWT_SIGNING_KEY", "server-test-secret")
	t.Setenv("AIRWAVE_MEDIA_ROOT", filepath.Join(dir, "media"))
	// Point Redis at a closed port so the cache disables itself quickly.
	t.Setenv("AIRWAVE_REDIS_ADDR", "127.0.0.1:1")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestServerWiresRoutesAndShutsDown(t *testing.T) {
	srv, err := New(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}

	for path, want := range map[string]int{
		"/metrics":           http.StatusOK,
		"/api/v1/health":     http.StatusOK,
		"/api/v1/broadcasts": http.StatusUnauthorized,
	} {
		r, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		r.Body.Close()
		if r.StatusCode != want {
			t.Errorf("%s status = %d, want %d", path, r.StatusCode, want)
		}
	}
}
