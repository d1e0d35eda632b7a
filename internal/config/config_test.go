package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.MaxConcurrency != 2 {
		t.Errorf("max_concurrency = %d, want 2", cfg.LLM.MaxConcurrency)
	}
	if cfg.LLM.LocalTimeout.Duration != 30*time.Second {
		t.Errorf("local_timeout = %v, want 30s", cfg.LLM.LocalTimeout.Duration)
	}
	if cfg.Executor.AutopilotTimeout.Duration != 600*time.Second {
		t.Errorf("autopilot_timeout = %v, want 600s", cfg.Executor.AutopilotTimeout.Duration)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidekick.toml")
	content := `
[general]
data_dir = "/tmp/sk"
log_level = "debug"

[llm]
max_concurrency = 4
backoff_base = "250ms"
budget_per_run = 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.DataDir != "/tmp/sk" {
		t.Errorf("data_dir = %q", cfg.General.DataDir)
	}
	if cfg.LLM.MaxConcurrency != 4 {
		t.Errorf("max_concurrency = %d, want 4", cfg.LLM.MaxConcurrency)
	}
	if cfg.LLM.BackoffBase.Duration != 250*time.Millisecond {
		t.Errorf("backoff_base = %v, want 250ms", cfg.LLM.BackoffBase.Duration)
	}
	if cfg.LLM.BudgetPerRun != 20 {
		t.Errorf("budget_per_run = %d, want 20", cfg.LLM.BudgetPerRun)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidekick.toml")
	if err := os.WriteFile(path, []byte("[llm]\nmax_concurrency = 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLM_MAX_CONCURRENCY", "7")
	t.Setenv("LLM_BACKOFF_BASE_MS", "125")
	t.Setenv("CLOUD_ENABLED", "true")
	t.Setenv("QA_MODE", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.MaxConcurrency != 7 {
		t.Errorf("max_concurrency = %d, want 7 (env override)", cfg.LLM.MaxConcurrency)
	}
	if cfg.LLM.BackoffBase.Duration != 125*time.Millisecond {
		t.Errorf("backoff_base = %v, want 125ms", cfg.LLM.BackoffBase.Duration)
	}
	if !cfg.LLM.CloudEnabled {
		t.Error("cloud_enabled should be true")
	}
	if !cfg.General.QAMode {
		t.Error("qa_mode should be true")
	}
}

func TestInvalidConcurrencyRejected(t *testing.T) {
	t.Setenv("LLM_MAX_CONCURRENCY", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for negative concurrency")
	}
}

func TestValidationBounds(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"negative retries", func(c *Config) { c.LLM.MaxRetries = -1 }, true},
		{"negative run budget", func(c *Config) { c.LLM.BudgetPerRun = -5 }, true},
		{"zero memory cap", func(c *Config) { c.Memory.MaxChars = 0 }, true},
		{"unlimited budgets", func(c *Config) { c.LLM.BudgetPerRun = 0; c.LLM.BudgetPerStep = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tc.mutate(&cfg)
			err := validate(&cfg)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLocationResolution(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, time.Local, cfg.Location())

	cfg.General.Timezone = "Europe/Moscow"
	loc := cfg.Location()
	require.Equal(t, "Europe/Moscow", loc.String())

	cfg.General.Timezone = "Nowhere/Invalid"
	require.Equal(t, time.Local, cfg.Location())
}
