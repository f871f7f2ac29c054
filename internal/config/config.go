// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Report     ReportConfig     `mapstructure:"report"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CatalogConfig describes the catalog to walk and when to stop walking it.
type CatalogConfig struct {
	URL                string          `mapstructure:"url"`
	MaxPages           int             `mapstructure:"max_pages"`
	PageParam          string          `mapstructure:"page_param"`
	PageCap            int             `mapstructure:"page_cap"`
	EmptyPageLimit     int             `mapstructure:"empty_page_limit"`
	DuplicateThreshold float64         `mapstructure:"duplicate_threshold"`
	Selectors          SelectorsConfig `mapstructure:"selectors"`
}

// SelectorsConfig holds the CSS selectors for the catalog markup.
type SelectorsConfig struct {
	Container     string `mapstructure:"container"`
	Item          string `mapstructure:"item"`
	ItemIDAttr    string `mapstructure:"item_id_attr"`
	Title         string `mapstructure:"title"`
	Price         string `mapstructure:"price"`
	Description   string `mapstructure:"description"`
	Image         string `mapstructure:"image"`
	SellerName    string `mapstructure:"seller_name"`
	SellerRating  string `mapstructure:"seller_rating"`
	SellerReviews string `mapstructure:"seller_reviews"`
	PageLink      string `mapstructure:"page_link"`
}

// BrowserConfig controls the Chrome session and its disguise.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	Proxy         string        `mapstructure:"proxy"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	PreNavMin     time.Duration `mapstructure:"pre_nav_min"`
	PreNavMax     time.Duration `mapstructure:"pre_nav_max"`
	Locale        string        `mapstructure:"locale"`
	Timezone      string        `mapstructure:"timezone"`
	UserAgents    []string      `mapstructure:"user_agents"`
	BlockedTitles []string      `mapstructure:"blocked_titles"`
	ChallengeText []string      `mapstructure:"challenge_titles"`
	BlockedWords  []string      `mapstructure:"blocked_keywords"`
}

// RecoveryConfig bounds how hard the crawl fights blocking and slow pages.
type RecoveryConfig struct {
	UnblockRetries   int           `mapstructure:"unblock_retries"`
	UnblockWait      time.Duration `mapstructure:"unblock_wait"`
	ChallengeRetries int           `mapstructure:"challenge_retries"`
	ChallengeWait    time.Duration `mapstructure:"challenge_wait"`
	ElementRetries   int           `mapstructure:"element_retries"`
	ElementTimeout   time.Duration `mapstructure:"element_timeout"`
	ElementWait      time.Duration `mapstructure:"element_wait"`
}

// ClassifierConfig configures the external batch classifier.
type ClassifierConfig struct {
	Provider      string        `mapstructure:"provider"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	BatchDelay    time.Duration `mapstructure:"batch_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Referer       string        `mapstructure:"referer"`
	AppTitle      string        `mapstructure:"app_title"`
	RateLimit     float64       `mapstructure:"requests_per_minute"`
	Burst         int           `mapstructure:"burst"`
}

// StorageConfig selects and parameterizes the listing store.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ReportConfig sets where the spreadsheet goes.
type ReportConfig struct {
	Path       string `mapstructure:"path"`
	ArchiveDir string `mapstructure:"archive_dir"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	GCSPrefix  string `mapstructure:"gcs_prefix"`
}

// NotifyConfig holds the Pub/Sub destination for run summaries.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// Storage drivers understood by the store factory.
const (
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Classifier providers understood by the classifier factory.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
)

// Load builds a Config from an optional .env file, an optional config file and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv keeps the short variable names used by existing deployments working.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"catalog.url":            {"HARVESTER_CATALOG_URL", "AVITO_CATEGORY_URL"},
		"catalog.max_pages":      {"HARVESTER_CATALOG_MAX_PAGES", "MAX_PAGES"},
		"classifier.api_key":     {"HARVESTER_CLASSIFIER_API_KEY", "AI_API_KEY"},
		"classifier.model":       {"HARVESTER_CLASSIFIER_MODEL", "AI_MODEL"},
		"classifier.batch_size":  {"HARVESTER_CLASSIFIER_BATCH_SIZE", "AI_BATCH_SIZE"},
		"classifier.max_retries": {"HARVESTER_CLASSIFIER_MAX_RETRIES", "AI_MAX_RETRIES"},
		"browser.headless":       {"HARVESTER_BROWSER_HEADLESS", "HEADLESS"},
		"storage.path":           {"HARVESTER_STORAGE_PATH", "DB_PATH"},
		"report.path":            {"HARVESTER_REPORT_PATH", "EXPORT_PATH"},
		"logging.level":          {"HARVESTER_LOGGING_LEVEL", "LOG_LEVEL"},
		"logging.file":           {"HARVESTER_LOGGING_FILE", "LOG_FILE_PATH"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.max_pages", 0)
	v.SetDefault("catalog.page_param", "p")
	v.SetDefault("catalog.page_cap", 1000)
	v.SetDefault("catalog.empty_page_limit", 2)
	v.SetDefault("catalog.duplicate_threshold", 0.8)
	v.SetDefault("catalog.selectors.container", "div[data-marker='catalog-serp']")
	v.SetDefault("catalog.selectors.item", "div[data-marker='item']")
	v.SetDefault("catalog.selectors.item_id_attr", "data-item-id")
	v.SetDefault("catalog.selectors.title", "a[data-marker='item-title']")
	v.SetDefault("catalog.selectors.price", "meta[itemprop='price']")
	v.SetDefault("catalog.selectors.description", "meta[itemprop='description']")
	v.SetDefault("catalog.selectors.image", "img[itemprop='image']")
	v.SetDefault("catalog.selectors.seller_name", "div[class*='iva-item-sellerInfo'] a p")
	v.SetDefault("catalog.selectors.seller_rating", "[data-marker='seller-rating/score']")
	v.SetDefault("catalog.selectors.seller_reviews", "[data-marker='seller-info/summary']")
	v.SetDefault("catalog.selectors.page_link", "[data-marker^='pagination-button/page']")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.nav_timeout", 90*time.Second)
	v.SetDefault("browser.settle_delay", 5*time.Second)
	v.SetDefault("browser.pre_nav_min", 2*time.Second)
	v.SetDefault("browser.pre_nav_max", 4*time.Second)
	v.SetDefault("browser.locale", "ru-RU")
	v.SetDefault("browser.timezone", "Europe/Moscow")

	v.SetDefault("recovery.unblock_retries", 3)
	v.SetDefault("recovery.unblock_wait", 30*time.Second)
	v.SetDefault("recovery.challenge_retries", 3)
	v.SetDefault("recovery.challenge_wait", 10*time.Second)
	v.SetDefault("recovery.element_retries", 3)
	v.SetDefault("recovery.element_timeout", 30*time.Second)
	v.SetDefault("recovery.element_wait", 5*time.Second)

	v.SetDefault("classifier.provider", ProviderOpenRouter)
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.model", "qwen/qwen3.5-plus-02-15")
	v.SetDefault("classifier.batch_size", 10)
	v.SetDefault("classifier.max_retries", 3)
	v.SetDefault("classifier.retry_delay", 2*time.Second)
	v.SetDefault("classifier.backoff_factor", 2.0)
	v.SetDefault("classifier.batch_delay", 2*time.Second)
	v.SetDefault("classifier.timeout", 120*time.Second)
	v.SetDefault("classifier.temperature", 0.1)
	v.SetDefault("classifier.max_tokens", 4096)
	v.SetDefault("classifier.referer", "https://github.com/alekkss/avito")
	v.SetDefault("classifier.app_title", "Listing Harvester")
	v.SetDefault("classifier.requests_per_minute", 0.0)
	v.SetDefault("classifier.burst", 1)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "data/avito_products.db")
	v.SetDefault("report.path", "data/avito_report.xlsx")
	v.SetDefault("report.gcs_prefix", "reports")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Registered so AutomaticEnv can see them during Unmarshal.
	for _, key := range []string{
		"catalog.url", "browser.exec_path", "browser.proxy", "classifier.api_key",
		"storage.dsn", "report.archive_dir", "report.gcs_bucket", "notify.project_id", "notify.topic",
		"metrics.addr", "logging.file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.max_conns", 0)
}

// Validate enforces reasonable limits. Stage-specific requirements live in
// RequireCatalog and RequireClassifier.
func (c Config) Validate() error {
	if c.Catalog.MaxPages < 0 {
		return fmt.Errorf("catalog.max_pages must be >= 0")
	}
	if c.Catalog.PageCap <= 0 {
		return fmt.Errorf("catalog.page_cap must be > 0")
	}
	if c.Catalog.EmptyPageLimit <= 0 {
		return fmt.Errorf("catalog.empty_page_limit must be > 0")
	}
	if c.Catalog.DuplicateThreshold <= 0 || c.Catalog.DuplicateThreshold > 1 {
		return fmt.Errorf("catalog.duplicate_threshold must be in (0, 1]")
	}
	if strings.TrimSpace(c.Catalog.PageParam) == "" {
		return fmt.Errorf("catalog.page_param is required")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout must be > 0")
	}
	if c.Browser.PreNavMax < c.Browser.PreNavMin {
		return fmt.Errorf("browser.pre_nav_max must be >= browser.pre_nav_min")
	}
	if c.Recovery.UnblockRetries < 0 || c.Recovery.ChallengeRetries < 0 || c.Recovery.ElementRetries < 0 {
		return fmt.Errorf("recovery retries must be >= 0")
	}
	if c.Classifier.BatchSize <= 0 {
		return fmt.Errorf("classifier.batch_size must be > 0")
	}
	if c.Classifier.MaxRetries <= 0 {
		return fmt.Errorf("classifier.max_retries must be > 0")
	}
	if c.Classifier.RateLimit < 0 {
		return fmt.Errorf("classifier.requests_per_minute must be >= 0")
	}
	switch c.Classifier.Provider {
	case ProviderOpenRouter, ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("classifier.provider %q is not supported", c.Classifier.Provider)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Report.GCSBucket != "" && c.Report.ArchiveDir != "" {
		return fmt.Errorf("report.gcs_bucket and report.archive_dir are mutually exclusive")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// RequireCatalog checks the settings needed to crawl.
func (c Config) RequireCatalog() error {
	raw := strings.TrimSpace(c.Catalog.URL)
	if raw == "" {
		return fmt.Errorf("catalog.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("catalog.url %q is not an absolute http(s) URL", raw)
	}
	return nil
}

// RequireClassifier checks the settings needed to normalize.
func (c Config) RequireClassifier() error {
	if strings.TrimSpace(c.Classifier.APIKey) == "" {
		return fmt.Errorf("classifier.api_key is required")
	}
	if strings.TrimSpace(c.Classifier.Model) == "" {
		return fmt.Errorf("classifier.model is required")
	}
	return nil
}
