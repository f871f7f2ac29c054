package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/api"
	"github.com/alekkss/avito/internal/classifier"
	"github.com/alekkss/avito/internal/clock"
	"github.com/alekkss/avito/internal/clock/system"
	"github.com/alekkss/avito/internal/config"
	"github.com/alekkss/avito/internal/crawler"
	"github.com/alekkss/avito/internal/extract"
	"github.com/alekkss/avito/internal/id/uuid"
	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/normalize"
	"github.com/alekkss/avito/internal/publish"
	"github.com/alekkss/avito/internal/report"
	"github.com/alekkss/avito/internal/store"
)

// Stage is one step of a harvest run.
type Stage string

// Stages in execution order.
const (
	StageScrape    Stage = api.StageScrape
	StageNormalize Stage = api.StageNormalize
	StageExport    Stage = api.StageExport
)

// AllStages is the full pipeline.
var AllStages = []Stage{StageScrape, StageNormalize, StageExport}

const publishTimeout = 30 * time.Second

// Browser is a live navigation session the pipeline can release.
type Browser interface {
	crawler.Navigator
	Close()
}

// Launcher starts a Browser for one crawl.
type Launcher func(ctx context.Context) (Browser, error)

// Option overrides a collaborator the Pipeline would otherwise build from config.
type Option func(*Pipeline)

// WithStore uses st instead of opening the configured driver. The caller keeps ownership.
func WithStore(st store.Store) Option {
	return func(p *Pipeline) { p.store = st }
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l Launcher) Option {
	return func(p *Pipeline) { p.launch = l }
}

// WithClassifier replaces the configured classifier provider.
func WithClassifier(c classifier.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithBlobStore sets the report archive destination.
func WithBlobStore(b publish.BlobStore) Option {
	return func(p *Pipeline) {
		p.blobs = b
		p.blobsSet = true
	}
}

// WithEventPublisher sets the run-summary destination.
func WithEventPublisher(e publish.EventPublisher) Option {
	return func(p *Pipeline) {
		p.events = e
		p.eventsSet = true
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithRunID fixes the run identifier.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithProgress shares a progress tracker with the caller.
func WithProgress(pr *api.Progress) Option {
	return func(p *Pipeline) { p.progress = pr }
}

// Pipeline runs harvest stages against one store.
type Pipeline struct {
	cfg    config.Config
	runID  string
	logger *zap.Logger

	store      store.Store
	launch     Launcher
	classifier classifier.Classifier
	blobs      publish.BlobStore
	blobsSet   bool
	events     publish.EventPublisher
	eventsSet  bool
	clock      clock.Clock
	progress   *api.Progress
	publisher  *publish.Publisher
	server     *api.Server
	serverAddr string

	closers []func() error
}

// New opens every resource the configuration asks for. On error, resources
// opened so far are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			return nil, err
		}
		p.runID = id
	}
	p.logger = logger.With(zap.String("run_id", p.runID))
	if p.clock == nil {
		p.clock = system.New()
	}
	if p.progress == nil {
		p.progress = &api.Progress{}
	}
	if p.launch == nil {
		p.launch = chromeLauncher(cfg, p.clock, p.logger)
	}

	if err := p.open(ctx); err != nil {
		if cerr := p.Close(); cerr != nil {
			p.logger.Warn("Cleanup after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	p.publisher = publish.New(p.blobs, p.events, report.ContentType, p.logger)
	return p, nil
}

func (p *Pipeline) open(ctx context.Context) error {
	if p.store == nil {
		st, err := openStore(ctx, p.cfg.Storage)
		if err != nil {
			return err
		}
		p.store = st
		p.closers = append(p.closers, st.Close)
	}
	if err := p.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	if !p.blobsSet {
		blobs, closer, err := openBlobStore(ctx, p.cfg.Report)
		if err != nil {
			return err
		}
		p.blobs = blobs
		if closer != nil {
			p.closers = append(p.closers, closer)
		}
	}
	if !p.eventsSet {
		events, closer, err := openEventPublisher(ctx, p.cfg.Notify)
		if err != nil {
			return err
		}
		p.events = events
		if closer != nil {
			p.closers = append(p.closers, closer)
		}
	}
	return nil
}

// RunID identifies this pipeline's run in logs and events.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Store exposes the opened listing store.
func (p *Pipeline) Store() store.Store {
	return p.store
}

// Progress exposes the run tracker served by the operator API.
func (p *Pipeline) Progress() *api.Progress {
	return p.progress
}

// ServerAddr is the bound operator server address, or "" when it is not running.
func (p *Pipeline) ServerAddr() string {
	return p.serverAddr
}

// Close releases resources in reverse order of acquisition.
func (p *Pipeline) Close() error {
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
		p.server = nil
		p.serverAddr = ""
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Serve starts the operator server when metrics.addr is configured.
func (p *Pipeline) Serve() error {
	if p.cfg.Metrics.Addr == "" || p.server != nil {
		return nil
	}
	srv := api.NewServer(p.store, p.progress, p.logger)
	addr, err := srv.Start(p.cfg.Metrics.Addr)
	if err != nil {
		return err
	}
	p.server = srv
	p.serverAddr = addr
	return nil
}

// Run executes stages in order, stopping at the first failing stage, and then
// archives the report and publishes the run summary. The summary is
// published even when a stage failed or ctx was canceled.
func (p *Pipeline) Run(ctx context.Context, command string, stages ...Stage) (publish.RunSummary, error) {
	summary := publish.RunSummary{
		RunID:      p.runID,
		Command:    command,
		StartedAt:  p.clock.Now().UTC(),
		CatalogURL: p.cfg.Catalog.URL,
	}
	p.progress.Begin(p.runID, command, summary.StartedAt)
	if err := p.Serve(); err != nil {
		p.logger.Warn("Operator server unavailable", zap.Error(err))
	}
	p.logger.Info("Run started", zap.String("command", command), zap.Int("stages", len(stages)))

	runErr := p.runStages(ctx, stages, &summary)
	summary.FinishedAt = p.clock.Now().UTC()
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	p.progress.Stage(api.StagePublish)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	summary, pubErr := p.publisher.Finish(pubCtx, summary)
	if pubErr != nil {
		p.logger.Error("Publishing run results failed", zap.Error(pubErr))
	}
	p.progress.Finish(summary)

	p.logger.Info("Run finished",
		zap.String("command", command),
		zap.String("crawl_state", summary.CrawlState),
		zap.String("stop_reason", summary.StopReason),
		zap.Int("listings", summary.Listings),
		zap.Int("normalized", summary.Normalized),
		zap.Int("exported", summary.Exported),
		zap.String("report", summary.ReportPath),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
		zap.Bool("failed", runErr != nil),
	)
	return summary, errors.Join(runErr, pubErr)
}

func (p *Pipeline) runStages(ctx context.Context, stages []Stage, summary *publish.RunSummary) error {
	for _, stage := range stages {
		p.progress.Stage(string(stage))
		switch stage {
		case StageScrape:
			res, err := p.Scrape(ctx)
			summary.CrawlState = res.State.String()
			summary.StopReason = string(res.Reason)
			summary.Pages = res.Pages
			summary.Listings = len(res.Listings)
			summary.Persisted = res.Persisted
			summary.Duplicates = res.Duplicates
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
		case StageNormalize:
			res, err := p.Normalize(ctx)
			summary.Normalized = len(res.Normalized)
			summary.FailedBatches = res.FailedBatches
			summary.SuccessRate = res.SuccessRate()
			if err != nil {
				return fmt.Errorf("normalize: %w", err)
			}
		case StageExport:
			path, n, err := p.Export(ctx)
			summary.ReportPath = path
			summary.Exported = n
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
		default:
			return fmt.Errorf("unknown stage %q", stage)
		}
	}
	return nil
}

// Scrape launches the browser and walks the catalog, persisting each page.
func (p *Pipeline) Scrape(ctx context.Context) (crawler.Result, error) {
	if err := p.cfg.RequireCatalog(); err != nil {
		return crawler.Result{}, err
	}
	nav, err := p.launch(ctx)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("launch browser: %w", err)
	}
	defer nav.Close()

	ext := extract.New(selectors(p.cfg.Catalog.Selectors), listing.Origin(p.cfg.Catalog.URL), p.clock.Now, p.logger)
	ctrl, err := crawler.New(crawlerConfig(p.cfg), nav, ext, p.store, p.clock, p.logger)
	if err != nil {
		return crawler.Result{}, err
	}
	return ctrl.Run(ctx)
}

// Normalize classifies every raw listing that has no normalized counterpart.
func (p *Pipeline) Normalize(ctx context.Context) (normalize.Summary, error) {
	c, err := p.classifierClient()
	if err != nil {
		return normalize.Summary{}, err
	}
	pipe, err := normalize.New(normalize.Config{
		BatchSize:  p.cfg.Classifier.BatchSize,
		BatchDelay: p.cfg.Classifier.BatchDelay,
	}, c, p.store, p.clock, p.logger)
	if err != nil {
		return normalize.Summary{}, err
	}
	return pipe.NormalizeAll(ctx)
}

// Export writes every normalized listing to the configured report path. It
// returns "" when there is nothing to export.
func (p *Pipeline) Export(ctx context.Context) (string, int, error) {
	items, err := p.store.AllNormalized(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("load normalized listings: %w", err)
	}
	path, err := report.NewWriter(p.cfg.Report.Path, p.logger).Write(ctx, items)
	if err != nil {
		return "", 0, err
	}
	return path, len(items), nil
}

// Stats reports how many raw and normalized listings are stored.
type Stats struct {
	Raw        int `json:"raw"`
	Normalized int `json:"normalized"`
}

// Stats counts stored listings.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	raw, err := p.store.CountRaw(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count raw listings: %w", err)
	}
	normalized, err := p.store.CountNormalized(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count normalized listings: %w", err)
	}
	return Stats{Raw: raw, Normalized: normalized}, nil
}

func (p *Pipeline) classifierClient() (classifier.Classifier, error) {
	if p.classifier != nil {
		return p.classifier, nil
	}
	if err := p.cfg.RequireClassifier(); err != nil {
		return nil, err
	}
	c, err := classifier.New(classifierOptions(p.cfg.Classifier, p.clock), p.logger)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	p.classifier = c
	return c, nil
}
