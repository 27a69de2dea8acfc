// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type XQueue struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	QueueName    string `yaml:"queue_name"`
	CallbackBase string `yaml:"callback_base"` // public base url for grader callbacks
	// WaittimeSeconds is the minimum interval between queued submissions.
	WaittimeSeconds int `yaml:"waittime_seconds"`
}

type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	DBDriver    string   `yaml:"db_driver"` // sqlite|postgres
	DBDSN       string   `yaml:"db_dsn"`
	RedisAddr   string   `yaml:"redis_addr"` // empty: in-memory limiter
	AuthSecret  string   `yaml:"auth_secret"`
	ProblemDir  string   `yaml:"problem_dir"` // root for problem xml and includes
	CORSOrigins []string `yaml:"cors_origins"`
	Debug       bool     `yaml:"debug"`
	XQueue      XQueue   `yaml:"xqueue"`
}

// Load reads path (optional) and applies env overrides on top.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr:    ":8080",
		DBDriver:    "sqlite",
		ProblemDir:  "./problems",
		CORSOrigins: []string{"http://localhost:3000"},
		XQueue:      XQueue{QueueName: "default", WaittimeSeconds: 5},
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if cfg.AuthSecret == "" {
		return cfg, fmt.Errorf("auth_secret (or CAPA_AUTH_SECRET) is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOr("CAPA_HTTP_ADDR", c.HTTPAddr)
	c.DBDriver = envOr("CAPA_DB_DRIVER", c.DBDriver)
	c.DBDSN = envOr("CAPA_DB_DSN", c.DBDSN)
	c.RedisAddr = envOr("CAPA_REDIS_ADDR", c.RedisAddr)
	c.AuthSecret = envOr("CAPA_AUTH_SECRET", c.AuthSecret)
	c.ProblemDir = envOr("CAPA_PROBLEM_DIR", c.ProblemDir)
	c.Debug = envBool("CAPA_DEBUG", c.Debug)
	if v := os.Getenv("CAPA_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	c.XQueue.URL = envOr("CAPA_XQUEUE_URL", c.XQueue.URL)
	c.XQueue.Username = envOr("CAPA_XQUEUE_USERNAME", c.XQueue.Username)
	c.XQueue.Password = envOr("CAPA_XQUEUE_PASSWORD", c.XQueue.Password)
	c.XQueue.QueueName = envOr("CAPA_XQUEUE_QUEUE", c.XQueue.QueueName)
	c.XQueue.CallbackBase = envOr("CAPA_XQUEUE_CALLBACK_BASE", c.XQueue.CallbackBase)
	if v := os.Getenv("CAPA_XQUEUE_WAITTIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.XQueue.WaittimeSeconds = n
		}
	}
}

// Waittime returns the configured submission interval as a duration.
func (c Config) Waittime() time.Duration {
	return time.Duration(c.XQueue.WaittimeSeconds) * time.Second
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
