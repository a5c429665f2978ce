// Package config loads the r1x JSON configuration, applies .env and
// environment overrides and validates the result.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Provider configures one OpenAI-compatible chat completion endpoint.
type Provider struct {
	// APIType is "openai" or "azure".
	APIType    string `json:"api_type,omitempty" validate:"omitempty,oneof=openai azure"`
	BaseURL    string `json:"base_url,omitempty" validate:"omitempty,url"`
	APIKey     string `json:"api_key,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Deployment string `json:"deployment,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Enabled reports whether the provider has credentials.
func (p Provider) Enabled() bool { return p.APIKey != "" }

type Config struct {
	DataDir   string `json:"data_dir,omitempty" validate:"required"`
	DBPath    string `json:"db_path,omitempty"`
	LogLevel  string `json:"log_level,omitempty" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format,omitempty" validate:"oneof=text json"`
	Workers   int    `json:"workers,omitempty" validate:"min=1,max=100"`

	Queue struct {
		URL         string `json:"url,omitempty" validate:"omitempty,url"`
		Region      string `json:"region,omitempty"`
		Endpoint    string `json:"endpoint,omitempty" validate:"omitempty,url"`
		WaitSeconds int    `json:"wait_seconds,omitempty" validate:"min=0,max=20"`
	} `json:"queue"`

	LLM struct {
		// Default answers stable-channel users; Canary answers canary users;
		// Secondary receives default requests rejected by the content filter.
		Default            Provider `json:"default"`
		Canary             Provider `json:"canary"`
		Secondary          Provider `json:"secondary"`
		Temperature        float32  `json:"temperature,omitempty" validate:"min=0,max=2"`
		MaxIterations      int      `json:"max_iterations,omitempty" validate:"min=1,max=10"`
		SoftLimit          int      `json:"soft_limit,omitempty" validate:"min=256"`
		HardLimit          int      `json:"hard_limit,omitempty" validate:"gtefield=SoftLimit"`
		TranscriptionModel string   `json:"transcription_model,omitempty"`
	} `json:"llm"`

	Search struct {
		Provider     string `json:"provider,omitempty" validate:"oneof=serper brave"`
		SerperAPIKey string `json:"serper_api_key,omitempty"`
		BraveAPIKey  string `json:"brave_api_key,omitempty"`
	} `json:"search"`

	Telegram struct {
		Token         string `json:"token,omitempty"`
		BotName       string `json:"bot_name,omitempty"`
		WebhookSecret string `json:"webhook_secret,omitempty"`
	} `json:"telegram"`

	WhatsApp struct {
		AccessToken   string `json:"access_token,omitempty"`
		PhoneNumberID string `json:"phone_number_id,omitempty"`
		PhoneNumber   string `json:"phone_number,omitempty"`
		VerifyToken   string `json:"verify_token,omitempty"`
		AppSecret     string `json:"app_secret,omitempty"`
		GraphBase     string `json:"graph_base,omitempty" validate:"omitempty,url"`
	} `json:"whatsapp"`

	Webhook struct {
		Addr string `json:"addr,omitempty" validate:"required"`
	} `json:"webhook"`

	Scheduler struct {
		Spec string `json:"spec,omitempty" validate:"required"`
	} `json:"scheduler"`
}

// DefaultPath returns ~/.r1x/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".r1x", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".r1x"),
		LogLevel:  "info",
		LogFormat: "text",
		Workers:   10,
	}
	cfg.Queue.WaitSeconds = 20
	cfg.LLM.Default = Provider{APIType: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-3.5-turbo"}
	cfg.LLM.Canary = Provider{APIType: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-4"}
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxIterations = 2
	cfg.LLM.SoftLimit = 2048
	cfg.LLM.HardLimit = 4000
	cfg.LLM.TranscriptionModel = "whisper-1"
	cfg.Search.Provider = "serper"
	cfg.Webhook.Addr = ":8080"
	cfg.Scheduler.Spec = "@every 5s"
	return cfg
}

// Load reads path over the defaults, writing the defaults when the file does
// not exist, then applies .env files and environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	loadEnvFiles(filepath.Join(filepath.Dir(path), ".env"), ".env", ".env.local")
	applyEnv(cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "r1x.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadEnvFiles loads .env files without overwriting variables that are
// already set.
func loadEnvFiles(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for _, p := range []*Provider{&cfg.LLM.Default, &cfg.LLM.Canary, &cfg.LLM.Secondary} {
			if p.APIType != "azure" {
				p.APIKey = key
			}
		}
	}
	if key := os.Getenv("AZURE_OPENAI_KEY"); key != "" {
		for _, p := range []*Provider{&cfg.LLM.Default, &cfg.LLM.Canary, &cfg.LLM.Secondary} {
			if p.APIType == "azure" {
				p.APIKey = key
			}
		}
	}
	set(&cfg.LLM.Default.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.LLM.Default.Model, "OPENAI_MODEL")
	set(&cfg.LLM.TranscriptionModel, "OPENAI_SPEECH_TO_TEXT_MODEL")

	set(&cfg.Search.SerperAPIKey, "SERPER_API_KEY")
	set(&cfg.Search.BraveAPIKey, "BRAVE_API_KEY")

	set(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Telegram.BotName, "TELEGRAM_BOT_NAME")
	set(&cfg.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")

	set(&cfg.WhatsApp.AccessToken, "WHATSAPP_BOT_TOKEN")
	set(&cfg.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	set(&cfg.WhatsApp.PhoneNumber, "WHATSAPP_PHONE_NUMBER")
	set(&cfg.WhatsApp.VerifyToken, "WHATSAPP_VERIFY_TOKEN")
	set(&cfg.WhatsApp.AppSecret, "WHATSAPP_APP_SECRET")

	set(&cfg.Queue.URL, "SQS_QUEUE_URL")
	set(&cfg.Queue.Region, "AWS_REGION")
	set(&cfg.Queue.Endpoint, "SQS_ENDPOINT")

	set(&cfg.DBPath, "DB_PATH")
	set(&cfg.LogLevel, "LOG_LEVEL")
	set(&cfg.LogFormat, "LOG_FORMAT")
	if v := os.Getenv("R1X_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a nested map through its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the flattened configuration, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the configuration at path and returns one dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}

	// Keys outside the struct are still readable from the raw file.
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets one dot-separated key in the file at path. Values that parse
// as JSON (numbers, booleans) are stored typed; anything else as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)

	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}
