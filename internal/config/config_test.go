package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

// clearEnv unsets the override variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "AZURE_OPENAI_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"SERPER_API_KEY", "TELEGRAM_BOT_TOKEN", "WHATSAPP_BOT_TOKEN", "SQS_QUEUE_URL", "DB_PATH",
		"LOG_LEVEL", "LOG_FORMAT", "R1X_WORKERS"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.Workers != 10 || cfg.Queue.WaitSeconds != 20 || cfg.LLM.MaxIterations != 2 {
		t.Errorf("unexpected defaults: workers=%d wait=%d iterations=%d", cfg.Workers, cfg.Queue.WaitSeconds, cfg.LLM.MaxIterations)
	}
	if cfg.LLM.SoftLimit != 2048 || cfg.LLM.HardLimit != 4000 {
		t.Errorf("limits = %d/%d", cfg.LLM.SoftLimit, cfg.LLM.HardLimit)
	}
	if cfg.DBPath != filepath.Join(cfg.DataDir, "r1x.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Scheduler.Spec != "@every 5s" {
		t.Errorf("Scheduler.Spec = %q", cfg.Scheduler.Spec)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Workers = 4
	original.LLM.Default = Provider{APIType: "azure", BaseURL: "https://r1x.openai.azure.com", APIKey: "az-key", APIVersion: "2023-05-15", Deployment: "gpt-35-turbo"}
	original.LLM.Canary.APIKey = "sk-test-round-trip"
	original.LLM.Temperature = 0.5
	original.Search.SerperAPIKey = "serper-key-123"
	original.Telegram.Token = "bot-token-456"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.Workers != 4 {
		t.Errorf("Workers = %d, want 4", loaded.Workers)
	}
	if loaded.LLM.Default != original.LLM.Default {
		t.Errorf("LLM.Default mismatch: %+v != %+v", loaded.LLM.Default, original.LLM.Default)
	}
	if loaded.LLM.Canary.APIKey != "sk-test-round-trip" {
		t.Errorf("LLM.Canary.APIKey = %q", loaded.LLM.Canary.APIKey)
	}
	if loaded.LLM.Temperature != 0.5 {
		t.Errorf("LLM.Temperature = %v", loaded.LLM.Temperature)
	}
	if loaded.Search.SerperAPIKey != "serper-key-123" || loaded.Telegram.Token != "bot-token-456" {
		t.Errorf("secrets not preserved: %+v %+v", loaded.Search, loaded.Telegram)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"log_level":"warn","llm":{"canary":{"model":"gpt-4o"}}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.LLM.Canary.Model != "gpt-4o" {
		t.Errorf("file values not applied: %q %q", cfg.LogLevel, cfg.LLM.Canary.Model)
	}
	if cfg.LLM.Canary.BaseURL != "https://api.openai.com/v1" || cfg.Workers != 10 {
		t.Errorf("defaults lost: %q %d", cfg.LLM.Canary.BaseURL, cfg.Workers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := defaults()
	cfg.LLM.Default = Provider{APIType: "azure", BaseURL: "https://r1x.openai.azure.com", Deployment: "gpt-35-turbo"}
	cfg.LLM.Secondary = Provider{APIType: "openai", Model: "gpt-3.5-turbo"}
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("AZURE_OPENAI_KEY", "az-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-env")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.eu-west-1.amazonaws.com/123/r1x")
	t.Setenv("R1X_WORKERS", "3")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LLM.Default.APIKey != "az-env" {
		t.Errorf("azure provider key = %q, want az-env", loaded.LLM.Default.APIKey)
	}
	if loaded.LLM.Canary.APIKey != "sk-env" || loaded.LLM.Secondary.APIKey != "sk-env" {
		t.Errorf("openai provider keys = %q/%q", loaded.LLM.Canary.APIKey, loaded.LLM.Secondary.APIKey)
	}
	if loaded.Telegram.Token != "tg-env" || loaded.Workers != 3 {
		t.Errorf("overrides not applied: %q %d", loaded.Telegram.Token, loaded.Workers)
	}
	if loaded.Queue.URL == "" {
		t.Error("queue url not applied")
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("SERPER_API_KEY")
	path := tempConfigPath(t)
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("SERPER_API_KEY=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SERPER_API_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Search.SerperAPIKey != "from-dotenv" {
		t.Errorf("SerperAPIKey = %q, want from-dotenv", cfg.Search.SerperAPIKey)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", `{"log_level":"verbose"}`, "LogLevel"},
		{"log format", `{"log_format":"xml"}`, "LogFormat"},
		{"workers", `{"workers":500}`, "Workers"},
		{"api type", `{"llm":{"default":{"api_type":"bedrock"}}}`, "APIType"},
		{"hard below soft", `{"llm":{"soft_limit":3000,"hard_limit":1000}}`, "HardLimit"},
		{"search provider", `{"search":{"provider":"bing"}}`, "Provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tempConfigPath(t)
			if err := os.WriteFile(path, []byte(tt.body), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.LLM.Canary.Model = "gpt-4"
	cfg.LLM.SoftLimit = 2048

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}

	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected llm to be map, got %T", m["llm"])
	}
	canary, ok := llm["canary"].(map[string]any)
	if !ok || canary["model"] != "gpt-4" {
		t.Errorf("expected llm.canary.model=gpt-4, got %v", llm["canary"])
	}
	// JSON numbers are float64
	if llm["soft_limit"] != float64(2048) {
		t.Errorf("expected llm.soft_limit=2048, got %v", llm["soft_limit"])
	}
}

func TestListValues_Masking(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.LLM.Default.APIKey = "sk-secret-key-1234"
	cfg.WhatsApp.AccessToken = "EAAG-token-5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["llm.default.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked llm.default.api_key, got %v", flat["llm.default.api_key"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["llm.default.api_key"] != "***1234" {
		t.Errorf("expected masked llm.default.api_key=***1234, got %v", flat["llm.default.api_key"])
	}
	if flat["whatsapp.access_token"] != "***5678" {
		t.Errorf("expected masked whatsapp.access_token=***5678, got %v", flat["whatsapp.access_token"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", Workers: 8}
	cfg.LLM.Canary.Model = "gpt-4o"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "llm.canary.model")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "gpt-4o" {
		t.Errorf("expected llm.canary.model=gpt-4o, got %v", v)
	}

	v, err = GetValue(path, "workers")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected workers=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		key   string
		value string
		want  any
	}{
		{"log_level", "debug", "debug"},
		{"workers", "16", float64(16)},
		{"llm.temperature", "0.3", 0.3},
		{"llm.canary.model", "gpt-4o", "gpt-4o"},
		{"custom.flag", "true", true},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path := tempConfigPath(t)
			writeTestConfig(t, path, &Config{LogLevel: "info"})

			if err := SetValue(path, tt.key, tt.value); err != nil {
				t.Fatalf("SetValue failed: %v", err)
			}
			v, err := GetValue(path, tt.key)
			if err != nil {
				t.Fatalf("GetValue failed: %v", err)
			}
			if v != tt.want {
				t.Errorf("%s = %v (%T), want %v", tt.key, v, v, tt.want)
			}
		})
	}
}

func TestSetValue_RejectsWrongType(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})
	if err := SetValue(path, "workers", "many"); err == nil {
		t.Fatal("expected error when setting a string on a numeric key")
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
