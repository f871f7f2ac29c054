// Package publish archives finished reports and announces run summaries.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/hash/sha256"
)

// Event kinds attached to run summaries.
const (
	KindRunCompleted = "run.completed"
	KindRunFailed    = "run.failed"
)

// BlobStore receives report files. Implementations live in internal/storage.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// EventPublisher delivers run summaries. Implementations live in internal/publisher.
type EventPublisher interface {
	Publish(ctx context.Context, kind string, payload any) (string, error)
}

// RunSummary is the payload announced after every pipeline run.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	Command       string    `json:"command"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	CatalogURL    string    `json:"catalog_url,omitempty"`
	CrawlState    string    `json:"crawl_state,omitempty"`
	StopReason    string    `json:"stop_reason,omitempty"`
	Pages         int       `json:"pages"`
	Listings      int       `json:"listings"`
	Persisted     int       `json:"persisted"`
	Duplicates    int       `json:"duplicates"`
	Normalized    int       `json:"normalized"`
	FailedBatches int       `json:"failed_batches"`
	SuccessRate   float64   `json:"success_rate"`
	Exported      int       `json:"exported"`
	ReportPath    string    `json:"report_path,omitempty"`
	ReportURI     string    `json:"report_uri,omitempty"`
	ReportSHA256  string    `json:"report_sha256,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Kind picks the event kind for the summary.
func (s RunSummary) Kind() string {
	if s.Error != "" {
		return KindRunFailed
	}
	return KindRunCompleted
}

// Publisher fans a finished run out to the configured destinations.
// Either destination may be nil, in which case that step is skipped.
type Publisher struct {
	blobs       BlobStore
	events      EventPublisher
	contentType string
	hasher      *sha256.Hasher
	logger      *zap.Logger
}

// New returns a Publisher. contentType is attached to uploaded reports.
func New(blobs BlobStore, events EventPublisher, contentType string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		blobs:       blobs,
		events:      events,
		contentType: contentType,
		hasher:      sha256.New(),
		logger:      logger.Named("publish"),
	}
}

// ObjectPath names the archived copy of a report: <date>/<run id>/<file name>.
func ObjectPath(runID string, startedAt time.Time, localPath string) string {
	return path.Join(startedAt.UTC().Format("2006-01-02"), runID, filepath.Base(localPath))
}

// Archive uploads the report at localPath and returns its URI.
// It returns "" without error when no blob store is configured or there is no report.
func (p *Publisher) Archive(ctx context.Context, summary RunSummary) (string, error) {
	if p.blobs == nil || summary.ReportPath == "" {
		return "", nil
	}
	f, err := os.Open(summary.ReportPath)
	if err != nil {
		return "", fmt.Errorf("open report: %w", err)
	}
	defer f.Close()

	name := ObjectPath(summary.RunID, summary.StartedAt, summary.ReportPath)
	uri, err := p.blobs.PutObject(ctx, name, p.contentType, f)
	if err != nil {
		return "", fmt.Errorf("archive report: %w", err)
	}
	p.logger.Info("Report archived", zap.String("uri", uri))
	return uri, nil
}

// Announce publishes the summary. It returns "" without error when no event
// publisher is configured.
func (p *Publisher) Announce(ctx context.Context, summary RunSummary) (string, error) {
	if p.events == nil {
		return "", nil
	}
	id, err := p.events.Publish(ctx, summary.Kind(), summary)
	if err != nil {
		return "", fmt.Errorf("announce run: %w", err)
	}
	p.logger.Info("Run summary published", zap.String("message_id", id), zap.String("kind", summary.Kind()))
	return id, nil
}

// Finish checksums and archives the report and then announces the summary carrying the
// archive URI. An archive failure is recorded in the announced summary and
// returned alongside any publish error.
func (p *Publisher) Finish(ctx context.Context, summary RunSummary) (RunSummary, error) {
	if summary.ReportPath != "" {
		digest, err := p.hasher.HashFile(summary.ReportPath)
		if err != nil {
			p.logger.Warn("Report checksum failed", zap.Error(err))
		}
		summary.ReportSHA256 = digest
	}
	uri, archiveErr := p.Archive(ctx, summary)
	if archiveErr != nil {
		p.logger.Error("Report archive failed", zap.Error(archiveErr))
		if summary.Error == "" {
			summary.Error = archiveErr.Error()
		}
	}
	summary.ReportURI = uri
	if _, err := p.Announce(ctx, summary); err != nil {
		if archiveErr != nil {
			return summary, fmt.Errorf("%w; %w", archiveErr, err)
		}
		return summary, err
	}
	return summary, archiveErr
}
