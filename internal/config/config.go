// Package config loads and validates the Sidekick TOML configuration
// and applies environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General   General   `toml:"general"`
	API       API       `toml:"api"`
	LLM       LLM       `toml:"llm"`
	Executor  Executor  `toml:"executor"`
	Reminders Reminders `toml:"reminders"`
	Memory    Memory    `toml:"memory"`
}

type General struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
	Timezone string `toml:"timezone"`
	QAMode   bool   `toml:"qa_mode"`
}

type API struct {
	Bind string `toml:"bind"`
}

type LLM struct {
	LocalBaseURL   string   `toml:"local_base_url"`
	LocalChatModel string   `toml:"local_chat_model"`
	LocalCodeModel string   `toml:"local_code_model"`
	LocalTimeout   Duration `toml:"local_timeout"`

	CloudBaseURL string   `toml:"cloud_base_url"`
	CloudModel   string   `toml:"cloud_model"`
	CloudAPIKey  string   `toml:"cloud_api_key"`
	CloudTimeout Duration `toml:"cloud_timeout"`

	CloudEnabled     bool `toml:"cloud_enabled"`
	AutoCloudEnabled bool `toml:"auto_cloud_enabled"`

	MaxConcurrency int      `toml:"max_concurrency"`
	MaxRetries     int      `toml:"max_retries"`
	BackoffBase    Duration `toml:"backoff_base"`
	BudgetPerRun   int      `toml:"budget_per_run"`  // 0 = unlimited
	BudgetPerStep  int      `toml:"budget_per_step"` // 0 = unlimited

	MaxCloudChars     int `toml:"max_cloud_chars"`
	MaxCloudItemChars int `toml:"max_cloud_item_chars"`
}

type Executor struct {
	MicroStepLimit   int      `toml:"micro_step_limit"`
	AutopilotTimeout Duration `toml:"autopilot_timeout"`
}

type Reminders struct {
	Enabled        bool     `toml:"enabled"`
	PollInterval   Duration `toml:"poll_interval"`
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
}

type Memory struct {
	MaxChars int `toml:"max_chars"`
}

// Load reads a Sidekick TOML configuration file, applies defaults and
// environment overrides, and validates the result. A missing file is not an
// error: the daemon can run entirely from environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "./data"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.Timezone == "" {
		cfg.General.Timezone = "Local"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8765"
	}
	if cfg.LLM.LocalBaseURL == "" {
		cfg.LLM.LocalBaseURL = "http://127.0.0.1:11434"
	}
	if cfg.LLM.LocalChatModel == "" {
		cfg.LLM.LocalChatModel = "qwen2.5:7b-instruct"
	}
	if cfg.LLM.LocalCodeModel == "" {
		cfg.LLM.LocalCodeModel = "qwen2.5-coder:7b"
	}
	if cfg.LLM.LocalTimeout.Duration == 0 {
		cfg.LLM.LocalTimeout.Duration = 30 * time.Second
	}
	if cfg.LLM.CloudBaseURL == "" {
		cfg.LLM.CloudBaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.CloudModel == "" {
		cfg.LLM.CloudModel = "gpt-4o-mini"
	}
	if cfg.LLM.CloudTimeout.Duration == 0 {
		cfg.LLM.CloudTimeout.Duration = 30 * time.Second
	}
	if cfg.LLM.MaxConcurrency == 0 {
		cfg.LLM.MaxConcurrency = 2
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.BackoffBase.Duration == 0 {
		cfg.LLM.BackoffBase.Duration = 500 * time.Millisecond
	}
	if cfg.LLM.MaxCloudChars == 0 {
		cfg.LLM.MaxCloudChars = 24000
	}
	if cfg.LLM.MaxCloudItemChars == 0 {
		cfg.LLM.MaxCloudItemChars = 8000
	}
	if cfg.Executor.MicroStepLimit == 0 {
		cfg.Executor.MicroStepLimit = 40
	}
	if cfg.Executor.AutopilotTimeout.Duration == 0 {
		cfg.Executor.AutopilotTimeout.Duration = 600 * time.Second
	}
	if cfg.Reminders.PollInterval.Duration == 0 {
		cfg.Reminders.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Memory.MaxChars == 0 {
		cfg.Memory.MaxChars = 2000
	}
}

// applyEnv overlays the documented environment variables onto cfg.
// Environment always wins over the TOML file.
func applyEnv(cfg *Config) {
	envStr(&cfg.General.DataDir, "DATA_DIR")
	envStr(&cfg.General.LogLevel, "LOG_LEVEL")
	envStr(&cfg.General.Timezone, "TZ_NAME")
	envBool(&cfg.General.QAMode, "QA_MODE")

	envStr(&cfg.API.Bind, "API_BIND")

	envStr(&cfg.LLM.LocalBaseURL, "LOCAL_LLM_BASE_URL")
	envStr(&cfg.LLM.LocalChatModel, "LOCAL_LLM_CHAT_MODEL")
	envStr(&cfg.LLM.LocalCodeModel, "LOCAL_LLM_CODE_MODEL")
	envDurMS(&cfg.LLM.LocalTimeout, "LOCAL_LLM_TIMEOUT_MS")
	envStr(&cfg.LLM.CloudBaseURL, "CLOUD_LLM_BASE_URL")
	envStr(&cfg.LLM.CloudModel, "CLOUD_LLM_MODEL")
	envStr(&cfg.LLM.CloudAPIKey, "OPENAI_API_KEY")
	envDurMS(&cfg.LLM.CloudTimeout, "CLOUD_LLM_TIMEOUT_MS")
	envBool(&cfg.LLM.CloudEnabled, "CLOUD_ENABLED")
	envBool(&cfg.LLM.AutoCloudEnabled, "AUTO_CLOUD_ENABLED")
	envInt(&cfg.LLM.MaxConcurrency, "LLM_MAX_CONCURRENCY")
	envInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")
	envDurMS(&cfg.LLM.BackoffBase, "LLM_BACKOFF_BASE_MS")
	envInt(&cfg.LLM.BudgetPerRun, "LLM_BUDGET_PER_RUN")
	envInt(&cfg.LLM.BudgetPerStep, "LLM_BUDGET_PER_STEP")
	envInt(&cfg.LLM.MaxCloudChars, "LLM_MAX_CLOUD_CHARS")
	envInt(&cfg.LLM.MaxCloudItemChars, "LLM_MAX_CLOUD_ITEM_CHARS")

	envInt(&cfg.Executor.MicroStepLimit, "EXECUTOR_MICRO_STEP_LIMIT")
	envDurMS(&cfg.Executor.AutopilotTimeout, "EXECUTOR_AUTOPILOT_TIMEOUT_MS")

	envBool(&cfg.Reminders.Enabled, "REMINDERS_ENABLED")
	envDurMS(&cfg.Reminders.PollInterval, "REMINDERS_POLL_INTERVAL_MS")
	envStr(&cfg.Reminders.TelegramToken, "TELEGRAM_BOT_TOKEN")
	envStr(&cfg.Reminders.TelegramChatID, "TELEGRAM_CHAT_ID")

	envInt(&cfg.Memory.MaxChars, "MEMORY_MAX_CHARS")
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDurMS(dst *Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Millisecond
		}
	}
}

func validate(cfg *Config) error {
	if cfg.LLM.MaxConcurrency < 1 {
		return fmt.Errorf("llm.max_concurrency must be >= 1, got %d", cfg.LLM.MaxConcurrency)
	}
	if cfg.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.LLM.BudgetPerRun < 0 || cfg.LLM.BudgetPerStep < 0 {
		return fmt.Errorf("llm budgets must be >= 0")
	}
	if cfg.Memory.MaxChars < 1 {
		return fmt.Errorf("memory.max_chars must be >= 1, got %d", cfg.Memory.MaxChars)
	}
	return nil
}

// Location resolves the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.General.Timezone == "" || c.General.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
