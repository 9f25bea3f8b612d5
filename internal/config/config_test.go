package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.Thresholds.ReviewBottleneck)
	require.Equal(t, 2, cfg.Thresholds.BlockedCards)
	require.Equal(t, 0.3, cfg.Thresholds.SyncDivergence)
	require.Equal(t, 0.9, cfg.Thresholds.Overload)
	require.Equal(t, 0.6, cfg.Thresholds.Underutilization)
	require.Equal(t, 5, cfg.Thresholds.WorkDaysPerWeek)
	require.Equal(t, 90*24*time.Hour, cfg.Metrics.Retention())
	require.Equal(t, 14, cfg.Metrics.ThroughputWindow)
	require.Equal(t, 7, cfg.Metrics.TrendWindow)
	require.Len(t, cfg.AI.Providers, 2)
	require.Equal(t, "openai", cfg.AI.Providers[0].Name)
	require.Equal(t, "anthropic", cfg.AI.Providers[1].Name)
	require.Equal(t, 30*time.Second, cfg.AI.Timeout())
	require.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("thresholds:\n  review_bottleneck: 8\nstorage:\n  driver: memory\n"))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Thresholds.ReviewBottleneck)
	require.Equal(t, 2, cfg.Thresholds.BlockedCards)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 90, cfg.Metrics.RetentionDays)
}

func TestFromYAMLReplacesProviderList(t *testing.T) {
	cfg, err := FromYAML([]byte("ai:\n  providers:\n    - name: anthropic\n      api_key_env: MY_KEY\n"))
	require.NoError(t, err)
	require.Len(t, cfg.AI.Providers, 1)
	require.Equal(t, "anthropic", cfg.AI.Providers[0].Name)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"inverted utilization band": "thresholds:\n  overload: 0.5\n  underutilization: 0.6\n",
		"unknown provider":          "ai:\n  providers:\n    - name: cohere\n",
		"empty provider name":       "ai:\n  providers:\n    - name: \"\"\n",
		"duplicate provider":        "ai:\n  providers:\n    - name: openai\n    - name: openai\n",
		"unknown driver":            "storage:\n  driver: mysql\n",
		"zero retention":            "metrics:\n  retention_days: 0\n",
		"webhook without url":       "webhooks:\n  - min_severity: high\n",
		"bad webhook severity":      "webhooks:\n  - url: http://x\n    min_severity: urgent\n",
		"bad log level":             "logging:\n  level: trace\n",
		"zero review threshold":     "thresholds:\n  review_bottleneck: 0\n",
		"zero blocked threshold":    "thresholds:\n  blocked_cards: 0\n",
		"zero sync divergence":      "thresholds:\n  sync_divergence: 0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestWebhookSeverity(t *testing.T) {
	cfg, err := FromYAML([]byte("webhooks:\n  - url: http://x\n    min_severity: critical\n  - url: http://y\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 2)
	require.Equal(t, "", cfg.Webhooks[1].MinSeverity)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "flowlens.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, Default(), cfg)
}

func TestProviderAPIKeyFromEnv(t *testing.T) {
	t.Setenv("FLOWLENS_TEST_KEY", "  secret ")
	p := ProviderConfig{Name: "openai", APIKeyEnv: "FLOWLENS_TEST_KEY"}
	require.Equal(t, "secret", p.APIKey())
	require.Equal(t, "", ProviderConfig{Name: "openai"}.APIKey())
}
