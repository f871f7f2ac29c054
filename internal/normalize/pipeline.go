// Package normalize batches raw listings through the classifier and stores
// the normalized results.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/classifier"
	"github.com/alekkss/avito/internal/clock"
	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/metrics"
)

// Store is the part of store.Store the pipeline needs.
type Store interface {
	RawWithoutNormalized(ctx context.Context) ([]listing.RawListing, error)
	UpsertNormalizedMany(ctx context.Context, items []listing.NormalizedListing) (int, error)
}

// Config tunes batching.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

// BatchResult is the outcome of one classifier round trip.
type BatchResult struct {
	Normalized []listing.NormalizedListing
	// Unmatched lists inputs the classifier said nothing about.
	Unmatched []string
	// Unknown lists result IDs that matched no input.
	Unknown []string
	Err     error
}

// Summary aggregates a NormalizeAll run.
type Summary struct {
	Total         int
	Batches       int
	FailedBatches int
	Written       int
	Normalized    []listing.NormalizedListing
	Unmatched     []string
}

// SuccessRate is the share of pending listings that were normalized, in percent.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(len(s.Normalized)) / float64(s.Total) * 100
}

// Pipeline normalizes every pending raw listing.
type Pipeline struct {
	cfg        Config
	classifier classifier.Classifier
	store      Store
	clock      clock.Clock
	logger     *zap.Logger
}

// New wires a Pipeline.
func New(cfg Config, c classifier.Classifier, st Store, clk clock.Clock, logger *zap.Logger) (*Pipeline, error) {
	if c == nil || st == nil || clk == nil {
		return nil, errors.New("normalize: classifier, store and clock are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("normalize: batch size must be > 0, got %d", cfg.BatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, classifier: c, store: st, clock: clk, logger: logger.Named("normalize")}, nil
}

// NormalizeAll classifies every raw listing without a normalized counterpart.
// A failed batch is logged and skipped; a store error or ctx ending stops the
// run and returns what was done so far.
func (p *Pipeline) NormalizeAll(ctx context.Context) (Summary, error) {
	pending, err := p.store.RawWithoutNormalized(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load pending listings: %w", err)
	}
	summary := Summary{Total: len(pending)}
	if len(pending) == 0 {
		p.logger.Info("No listings to normalize")
		return summary, nil
	}

	batches := Split(pending, p.cfg.BatchSize)
	summary.Batches = len(batches)
	p.logger.Info("Normalization started",
		zap.Int("total", len(pending)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		p.logger.Info("Processing batch",
			zap.Int("batch", i+1),
			zap.Int("of", len(batches)),
			zap.Int("size", len(batch)),
		)
		res := p.ProcessBatch(ctx, batch)
		summary.Unmatched = append(summary.Unmatched, res.Unmatched...)
		if res.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			summary.FailedBatches++
			metrics.ObserveBatch("failed")
		} else {
			metrics.ObserveBatch("ok")
		}

		if len(res.Normalized) > 0 {
			written, err := p.store.UpsertNormalizedMany(ctx, res.Normalized)
			if err != nil {
				return summary, fmt.Errorf("save batch %d: %w", i+1, err)
			}
			summary.Written += written
			summary.Normalized = append(summary.Normalized, res.Normalized...)
			metrics.ObserveNormalized(written)
			p.logger.Info("Batch saved", zap.Int("batch", i+1), zap.Int("saved", written))
		}

		if i < len(batches)-1 {
			if err := p.clock.Sleep(ctx, p.cfg.BatchDelay); err != nil {
				return summary, err
			}
		}
	}

	p.logger.Info("Normalization completed",
		zap.Int("total", summary.Total),
		zap.Int("normalized", len(summary.Normalized)),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.String("success_rate", fmt.Sprintf("%.1f%%", summary.SuccessRate())),
	)
	return summary, nil
}

// ProcessBatch classifies one batch and maps results back onto their raw
// listings. Classifier failures are reported in BatchResult.Err.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []listing.RawListing) BatchResult {
	items := make([]classifier.Item, len(batch))
	for i, raw := range batch {
		items[i] = classifier.NewItem(raw)
	}

	results, err := p.classifier.Classify(ctx, items)
	if err != nil {
		p.logger.Error("Classifier batch failed", zap.Int("size", len(batch)), zap.Error(err))
		return BatchResult{Unmatched: listing.IDs(batch), Err: err}
	}
	return p.match(batch, results)
}

func (p *Pipeline) match(batch []listing.RawListing, results []classifier.Result) BatchResult {
	index := make(map[string]listing.RawListing, len(batch))
	for _, raw := range batch {
		index[raw.ID] = raw
	}

	at := p.clock.Now()
	var out BatchResult
	matched := make(map[string]struct{}, len(results))
	for _, r := range results {
		raw, ok := index[r.ID]
		if !ok {
			out.Unknown = append(out.Unknown, r.ID)
			continue
		}
		if _, dup := matched[r.ID]; dup {
			continue
		}
		matched[r.ID] = struct{}{}
		out.Normalized = append(out.Normalized, listing.Normalize(raw, r.Classification(), at))
	}
	for _, raw := range batch {
		if _, ok := matched[raw.ID]; !ok {
			out.Unmatched = append(out.Unmatched, raw.ID)
		}
	}

	if len(out.Unknown) > 0 {
		p.logger.Warn("Classifier returned unknown listing IDs", zap.Strings("ids", head(out.Unknown, 10)))
	}
	if len(out.Unmatched) > 0 {
		p.logger.Warn("Listings left without classification",
			zap.Int("count", len(out.Unmatched)),
			zap.Strings("ids", head(out.Unmatched, 10)),
		)
	}
	return out
}

// Split cuts items into consecutive batches of at most size elements.
func Split[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

func head(ids []string, n int) []string {
	if len(ids) > n {
		return ids[:n]
	}
	return ids
}
