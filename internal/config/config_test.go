package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 0, cfg.Catalog.MaxPages)
	require.Equal(t, "p", cfg.Catalog.PageParam)
	require.Equal(t, 2, cfg.Catalog.EmptyPageLimit)
	require.InDelta(t, 0.8, cfg.Catalog.DuplicateThreshold, 1e-9)
	require.Equal(t, "div[data-marker='item']", cfg.Catalog.Selectors.Item)
	require.Equal(t, 90*time.Second, cfg.Browser.NavTimeout)
	require.Equal(t, 2*time.Second, cfg.Browser.PreNavMin)
	require.Equal(t, 4*time.Second, cfg.Browser.PreNavMax)
	require.Equal(t, 10, cfg.Classifier.BatchSize)
	require.Equal(t, 3, cfg.Classifier.MaxRetries)
	require.Equal(t, 2*time.Second, cfg.Classifier.RetryDelay)
	require.Equal(t, 120*time.Second, cfg.Classifier.Timeout)
	require.Equal(t, DriverSQLite, cfg.Storage.Driver)
	require.Equal(t, "data/avito_report.xlsx", cfg.Report.Path)
	require.Zero(t, cfg.Classifier.RateLimit)
	require.Equal(t, 1, cfg.Classifier.Burst)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
catalog:
  url: https://www.avito.ru/moskva/telefony
  max_pages: 5
  duplicate_threshold: 0.5
browser:
  headless: true
  nav_timeout: 45s
classifier:
  provider: anthropic
  api_key: secret
  model: claude-3-5-haiku-latest
  batch_size: 20
storage:
  driver: bolt
  path: data/harvest.bolt
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "https://www.avito.ru/moskva/telefony", cfg.Catalog.URL)
	require.Equal(t, 5, cfg.Catalog.MaxPages)
	require.InDelta(t, 0.5, cfg.Catalog.DuplicateThreshold, 1e-9)
	require.True(t, cfg.Browser.Headless)
	require.Equal(t, 45*time.Second, cfg.Browser.NavTimeout)
	require.Equal(t, ProviderAnthropic, cfg.Classifier.Provider)
	require.Equal(t, 20, cfg.Classifier.BatchSize)
	require.Equal(t, DriverBolt, cfg.Storage.Driver)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.RequireCatalog())
	require.NoError(t, cfg.RequireClassifier())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HARVESTER_CATALOG_MAX_PAGES", "7")
	t.Setenv("AI_API_KEY", "legacy-key")
	t.Setenv("AVITO_CATEGORY_URL", "https://www.avito.ru/sankt-peterburg/noutbuki")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Catalog.MaxPages)
	require.Equal(t, "legacy-key", cfg.Classifier.APIKey)
	require.Equal(t, "https://www.avito.ru/sankt-peterburg/noutbuki", cfg.Catalog.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"negative max pages":   func(c *Config) { c.Catalog.MaxPages = -1 },
		"zero empty limit":     func(c *Config) { c.Catalog.EmptyPageLimit = 0 },
		"threshold above one":  func(c *Config) { c.Catalog.DuplicateThreshold = 1.5 },
		"zero batch":           func(c *Config) { c.Classifier.BatchSize = 0 },
		"unknown provider":     func(c *Config) { c.Classifier.Provider = "mystery" },
		"unknown driver":       func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres without dsn": func(c *Config) { c.Storage.Driver = DriverPostgres },
		"inverted pre-nav":     func(c *Config) { c.Browser.PreNavMax = time.Second },
		"half notify":          func(c *Config) { c.Notify.Topic = "runs" },
		"negative rate limit":  func(c *Config) { c.Classifier.RateLimit = -1 },
		"archive and bucket": func(c *Config) {
			c.Report.ArchiveDir = "archive"
			c.Report.GCSBucket = "reports"
		},
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestRequireCatalog(t *testing.T) {
	cfg := Config{}
	require.ErrorContains(t, cfg.RequireCatalog(), "catalog.url is required")

	cfg.Catalog.URL = "avito.ru/moskva"
	err := cfg.RequireCatalog()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "absolute"))

	cfg.Catalog.URL = "https://www.avito.ru/moskva"
	require.NoError(t, cfg.RequireCatalog())
}

func TestRequireClassifier(t *testing.T) {
	cfg := Config{Classifier: ClassifierConfig{Model: "m"}}
	require.ErrorContains(t, cfg.RequireClassifier(), "api_key")
	cfg.Classifier.APIKey = "k"
	require.NoError(t, cfg.RequireClassifier())
}
