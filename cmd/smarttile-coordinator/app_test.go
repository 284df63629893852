package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"smarttile-coordinator/internal/store"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := loadConfig(writeConfig(t, "radio:\n  type: loopback\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.ScriptsDir = filepath.Join(t.TempDir(), "scripts")
	cfg.Web.Listen = "127.0.0.1:0"
	return cfg
}

func TestNewAppStoreUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "missing", "dir", "smarttile.db")
	logger, closer := newLogger(&Config{})
	defer closer.Close()

	a, err := newApp(cfg, logger)
	if err != nil {
		t.Fatalf("startup aborted: %v", err)
	}
	defer a.shutdown()

	if _, ok := a.kv.(*store.MemoryKV); !ok {
		t.Errorf("kv = %T, want *store.MemoryKV", a.kv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = a.coord.Do(ctx, func() error {
		a.coord.OpenPairing()
		return nil
	})
	if err != nil {
		t.Fatalf("coordinator not running: %v", err)
	}

	w := httptest.NewRecorder()
	a.httpServer.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewAppPersistentStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "smarttile.db")
	logger, closer := newLogger(&Config{})
	defer closer.Close()

	a, err := newApp(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer a.shutdown()
	if _, ok := a.kv.(*store.BoltKV); !ok {
		t.Errorf("kv = %T, want *store.BoltKV", a.kv)
	}

	w := httptest.NewRecorder()
	a.httpServer.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/zones", nil))
	if w.Code != http.StatusOK {
		t.Errorf("zones status = %d, want %d", w.Code, http.StatusOK)
	}
}
