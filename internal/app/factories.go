package app

import (
	"context"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/browser"
	"github.com/alekkss/avito/internal/classifier"
	"github.com/alekkss/avito/internal/clock"
	"github.com/alekkss/avito/internal/config"
	"github.com/alekkss/avito/internal/crawler"
	"github.com/alekkss/avito/internal/extract"
	"github.com/alekkss/avito/internal/publish"
	"github.com/alekkss/avito/internal/publisher/pubsub"
	"github.com/alekkss/avito/internal/storage/bolt"
	"github.com/alekkss/avito/internal/storage/gcs"
	"github.com/alekkss/avito/internal/storage/local"
	"github.com/alekkss/avito/internal/storage/memory"
	"github.com/alekkss/avito/internal/storage/postgres"
	"github.com/alekkss/avito/internal/storage/sqlite"
	"github.com/alekkss/avito/internal/store"
)

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path, WALMode: true})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.DriverBolt:
		st, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.NewListingStore(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	case config.DriverMemory:
		return memory.NewListingStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// openBlobStore returns nil when no archive destination is configured.
func openBlobStore(ctx context.Context, cfg config.ReportConfig) (publish.BlobStore, func() error, error) {
	switch {
	case cfg.GCSBucket != "":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return blobs, client.Close, nil
	case cfg.ArchiveDir != "":
		blobs, err := local.New(local.Config{BaseDir: cfg.ArchiveDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open report archive: %w", err)
		}
		return blobs, nil, nil
	default:
		return nil, nil, nil
	}
}

// openEventPublisher returns nil when no topic is configured.
func openEventPublisher(ctx context.Context, cfg config.NotifyConfig) (publish.EventPublisher, func() error, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, nil, nil
	}
	pub, err := pubsub.Dial(ctx, cfg.ProjectID, cfg.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	return pub, pub.Close, nil
}

func chromeLauncher(cfg config.Config, clk clock.Clock, logger *zap.Logger) Launcher {
	return func(ctx context.Context) (Browser, error) {
		s, err := browser.Launch(ctx, browserConfig(cfg), clk, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func browserConfig(cfg config.Config) browser.Config {
	var markers []string
	if c := cfg.Catalog.Selectors.Container; c != "" {
		markers = append(markers, c)
	}
	rules := browser.DefaultRules(markers...)
	if len(cfg.Browser.ChallengeText) > 0 {
		rules.ChallengeTitles = cfg.Browser.ChallengeText
	}
	if len(cfg.Browser.BlockedTitles) > 0 {
		rules.BlockedTitles = cfg.Browser.BlockedTitles
	}
	if len(cfg.Browser.BlockedWords) > 0 {
		rules.BlockedKeywords = cfg.Browser.BlockedWords
	}
	return browser.Config{
		Headless:    cfg.Browser.Headless,
		ExecPath:    cfg.Browser.ExecPath,
		Proxy:       cfg.Browser.Proxy,
		NavTimeout:  cfg.Browser.NavTimeout,
		SettleDelay: cfg.Browser.SettleDelay,
		PreNavMin:   cfg.Browser.PreNavMin,
		PreNavMax:   cfg.Browser.PreNavMax,
		Locale:      cfg.Browser.Locale,
		Timezone:    cfg.Browser.Timezone,
		UserAgents:  cfg.Browser.UserAgents,
		Rules:       rules,
	}
}

func crawlerConfig(cfg config.Config) crawler.Config {
	return crawler.Config{
		StartURL:           cfg.Catalog.URL,
		PageParam:          cfg.Catalog.PageParam,
		MaxPages:           cfg.Catalog.MaxPages,
		PageCap:            cfg.Catalog.PageCap,
		EmptyPageLimit:     cfg.Catalog.EmptyPageLimit,
		DuplicateThreshold: cfg.Catalog.DuplicateThreshold,
		ContainerSelector:  cfg.Catalog.Selectors.Container,
		UnblockRetries:     cfg.Recovery.UnblockRetries,
		UnblockWait:        cfg.Recovery.UnblockWait,
		ChallengeRetries:   cfg.Recovery.ChallengeRetries,
		ChallengeWait:      cfg.Recovery.ChallengeWait,
		ElementRetries:     cfg.Recovery.ElementRetries,
		ElementTimeout:     cfg.Recovery.ElementTimeout,
		ElementWait:        cfg.Recovery.ElementWait,
	}
}

func selectors(cfg config.SelectorsConfig) extract.Selectors {
	sel := extract.DefaultSelectors()
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&sel.Item, cfg.Item)
	override(&sel.ItemIDAttr, cfg.ItemIDAttr)
	override(&sel.Title, cfg.Title)
	override(&sel.Price, cfg.Price)
	override(&sel.Description, cfg.Description)
	override(&sel.Image, cfg.Image)
	override(&sel.SellerName, cfg.SellerName)
	override(&sel.SellerRating, cfg.SellerRating)
	override(&sel.SellerReviews, cfg.SellerReviews)
	override(&sel.PageLink, cfg.PageLink)
	return sel
}

func classifierOptions(cfg config.ClassifierConfig, clk clock.Clock) classifier.Options {
	return classifier.Options{
		Provider:          cfg.Provider,
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		BackoffFactor:     cfg.BackoffFactor,
		Referer:           cfg.Referer,
		AppTitle:          cfg.AppTitle,
		RequestsPerMinute: cfg.RateLimit,
		Burst:             cfg.Burst,
		Sleep:             clk.Sleep,
	}
}
