package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/r1x/internal/config"
)

func newConfigFile(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"R1X_WORKERS", "TELEGRAM_BOT_TOKEN", "LOG_LEVEL", "LOG_FORMAT", "SQS_QUEUE_URL", "SQS_ENDPOINT", "DB_PATH"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := config.Load(path); err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	return path
}

func TestSetConfigValue(t *testing.T) {
	path := newConfigFile(t)

	var out bytes.Buffer
	if err := setConfigValue(path, "workers", "20", &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "Set workers = 20\n" {
		t.Errorf("output = %q", out.String())
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 20 {
		t.Errorf("workers = %d, want 20", cfg.Workers)
	}
}

func TestSetConfigValueRollsBackInvalid(t *testing.T) {
	path := newConfigFile(t)

	for key, value := range map[string]string{
		"workers":         "500",
		"search.provider": "bing",
		"llm.hard_limit":  "100",
	} {
		err := setConfigValue(path, key, value, &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), "rejected "+key) {
			t.Errorf("set %s=%s: got %v, want rejection", key, value, err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config left invalid after rollback: %v", err)
	}
	if cfg.Workers != 10 || cfg.Search.Provider != "serper" || cfg.LLM.HardLimit != 4000 {
		t.Errorf("values changed despite rejection: %+v", cfg)
	}
}

func TestSetConfigValueMasksSecrets(t *testing.T) {
	path := newConfigFile(t)

	var out bytes.Buffer
	if err := setConfigValue(path, "telegram.token", "123456:ABCdefGHIjkl", &out); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "Set telegram.token = ***Ijkl\n" {
		t.Errorf("output = %q", got)
	}
}
