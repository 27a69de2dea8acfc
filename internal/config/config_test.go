package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capa.yaml")
	raw := `
http_addr: ":9090"
auth_secret: sekrit
xqueue:
  url: http://xqueue.local
  queue_name: demo-queue
  waittime_seconds: 10
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("http_addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("db_driver default = %q", cfg.DBDriver)
	}
	if cfg.XQueue.QueueName != "demo-queue" || cfg.XQueue.URL != "http://xqueue.local" {
		t.Errorf("xqueue = %+v", cfg.XQueue)
	}
	if cfg.Waittime() != 10*time.Second {
		t.Errorf("waittime = %v", cfg.Waittime())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CAPA_HTTP_ADDR", ":7070")
	t.Setenv("CAPA_AUTH_SECRET", "env-secret")
	t.Setenv("CAPA_XQUEUE_WAITTIME", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":7070" || cfg.AuthSecret != "env-secret" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Waittime() != 3*time.Second {
		t.Errorf("waittime = %v", cfg.Waittime())
	}
}

func TestMissingSecretFails(t *testing.T) {
	t.Setenv("CAPA_AUTH_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatal("want error without auth secret")
	}
}
