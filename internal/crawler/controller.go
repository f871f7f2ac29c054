package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/browser"
	"github.com/alekkss/avito/internal/clock"
	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/metrics"
)

// ErrPersist wraps failures to hand extracted listings to the Sink.
var ErrPersist = errors.New("persist listings")

// Config holds the settings for one crawl.
type Config struct {
	StartURL           string
	PageParam          string
	MaxPages           int
	PageCap            int
	EmptyPageLimit     int
	DuplicateThreshold float64
	ContainerSelector  string

	UnblockRetries   int
	UnblockWait      time.Duration
	ChallengeRetries int
	ChallengeWait    time.Duration
	ElementRetries   int
	ElementTimeout   time.Duration
	ElementWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageParam == "" {
		c.PageParam = DefaultPageParam
	}
	if c.PageCap <= 0 {
		c.PageCap = 1000
	}
	if c.EmptyPageLimit <= 0 {
		c.EmptyPageLimit = 2
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.8
	}
	if c.UnblockRetries < 0 {
		c.UnblockRetries = 0
	}
	if c.ChallengeRetries < 0 {
		c.ChallengeRetries = 0
	}
	if c.ElementRetries < 0 {
		c.ElementRetries = 0
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 30 * time.Second
	}
	return c
}

// Controller walks catalog pages until a stop condition fires.
type Controller struct {
	cfg    Config
	pager  *Pager
	nav    Navigator
	ext    Extractor
	sink   Sink
	clock  clock.Clock
	logger *zap.Logger
}

// New validates cfg and wires the controller's collaborators.
func New(cfg Config, nav Navigator, ext Extractor, sink Sink, clk clock.Clock, logger *zap.Logger) (*Controller, error) {
	if nav == nil || ext == nil || sink == nil || clk == nil {
		return nil, errors.New("crawler: navigator, extractor, sink and clock are required")
	}
	cfg = cfg.withDefaults()
	if cfg.ContainerSelector == "" {
		return nil, errors.New("crawler: container selector is required")
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("crawler: max pages must be >= 0, got %d", cfg.MaxPages)
	}
	if cfg.DuplicateThreshold > 1 {
		return nil, fmt.Errorf("crawler: duplicate threshold must be in (0,1], got %v", cfg.DuplicateThreshold)
	}
	pager, err := NewPager(cfg.StartURL, cfg.PageParam)
	if err != nil {
		return nil, fmt.Errorf("crawler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		pager:  pager,
		nav:    nav,
		ext:    ext,
		sink:   sink,
		clock:  clk,
		logger: logger,
	}, nil
}

// Run crawls from the start page. Page-level trouble ends the crawl in a
// terminal state with a nil error; an error is returned only when the session
// is lost, ctx ends, or the Sink fails. The Result is populated either way.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	r := &run{
		Controller: c,
		state:      StateIdle,
		page:       c.pager.StartPage(),
		visited:    newVisitTracker(),
		listings:   newListingSet(),
	}
	c.logger.Info("Crawl started",
		zap.String("start_url", c.cfg.StartURL),
		zap.Int("start_page", r.page),
		zap.Int("max_pages", c.cfg.MaxPages),
	)
	r.transition(StateLoading)

	for !r.state.Terminal() {
		if err := ctx.Err(); err != nil {
			return r.abort(ReasonCanceled, err)
		}
		var err error
		switch r.state {
		case StateLoading:
			err = r.load(ctx)
		case StateClassifying:
			err = r.classify(ctx)
		case StateAwaitingUnblock:
			err = r.awaitUnblock(ctx)
		case StateChallengeWait:
			err = r.awaitChallenge(ctx)
		case StateExtracting:
			err = r.extract(ctx)
		default:
			err = fmt.Errorf("crawler: unexpected state %s", r.state)
		}
		if err != nil {
			return r.abort(reasonFor(ctx, err), err)
		}
	}
	return r.finish(), nil
}

// run is the mutable state of a single crawl.
type run struct {
	*Controller

	state   State
	page    int
	target  string
	outcome browser.Outcome

	unblockAttempts   int
	challengeAttempts int
	elementAttempts   int
	emptyStreak       int

	visited  *visitTracker
	listings *listingSet
	result   Result
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	r.logger.Debug("State transition",
		zap.Stringer("from", r.state),
		zap.Stringer("to", to),
		zap.Int("page", r.page),
	)
	r.state = to
}

func (r *run) stop(state State, reason StopReason) {
	r.result.State = state
	r.result.Reason = reason
	r.transition(state)
}

func (r *run) load(ctx context.Context) error {
	r.unblockAttempts, r.challengeAttempts, r.elementAttempts = 0, 0, 0
	r.target = r.pager.PageURL(r.page)
	targetID := r.pager.Identity(r.target)
	if !r.visited.MarkIfNew(targetID) {
		r.logger.Warn("Next page was already visited", zap.String("url", r.target))
		r.stop(StateCycled, ReasonRevisit)
		return nil
	}

	r.logger.Info("Loading catalog page", zap.Int("page", r.page), zap.String("url", r.target))
	outcome, err := r.nav.Navigate(ctx, r.target)
	if err != nil {
		return err
	}
	r.outcome = outcome

	landed, err := r.nav.CurrentURL(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		r.logger.Debug("Could not read landed URL", zap.Error(err))
		landed = r.target
	}
	// A redirect target counts as visited too.
	if landedID := r.pager.Identity(landed); landedID != "" && landedID != targetID && !r.visited.MarkIfNew(landedID) {
		r.logger.Warn("Navigation landed on a visited page",
			zap.String("target", r.target),
			zap.String("landed", landed),
		)
		r.stop(StateCycled, ReasonRevisit)
		return nil
	}

	metrics.ObservePage(r.target, outcome.String())
	r.transition(StateClassifying)
	return nil
}

func (r *run) classify(ctx context.Context) error {
	switch r.outcome {
	case browser.OutcomeBlocked:
		r.transition(StateAwaitingUnblock)
		return nil
	case browser.OutcomeChallenge:
		r.transition(StateChallengeWait)
		return nil
	}

	found, err := r.nav.WaitFor(ctx, r.cfg.ContainerSelector, r.cfg.ElementTimeout)
	if err != nil {
		return err
	}
	if found {
		r.transition(StateExtracting)
		return nil
	}
	return r.retryElement(ctx)
}

// retryElement reloads a page whose listing container never appeared.
func (r *run) retryElement(ctx context.Context) error {
	if r.elementAttempts >= r.cfg.ElementRetries {
		reason := ReasonNextPageUnreachable
		if r.result.Pages == 0 {
			reason = ReasonStartUnreachable
		}
		r.logger.Error("Listing container did not appear",
			zap.Int("page", r.page),
			zap.Int("attempts", r.elementAttempts),
			zap.String("selector", r.cfg.ContainerSelector),
		)
		r.stop(StateFailed, reason)
		return nil
	}
	r.elementAttempts++
	r.result.ElementRetries++
	metrics.ObserveRecovery("element", r.cfg.ElementWait)
	r.logger.Warn("Listing container missing, reloading",
		zap.Int("page", r.page),
		zap.Int("attempt", r.elementAttempts),
		zap.Int("max_attempts", r.cfg.ElementRetries),
	)
	if err := r.clock.Sleep(ctx, r.cfg.ElementWait); err != nil {
		return err
	}
	outcome, err := r.nav.Reload(ctx)
	if err != nil {
		return err
	}
	r.outcome = outcome
	r.transition(StateClassifying)
	return nil
}

func (r *run) awaitUnblock(ctx context.Context) error {
	if r.unblockAttempts >= r.cfg.UnblockRetries {
		r.logger.Error("Page stayed blocked",
			zap.Int("page", r.page),
			zap.Int("attempts", r.unblockAttempts),
		)
		r.stop(StateFailed, ReasonBlocked)
		return nil
	}
	r.unblockAttempts++
	r.result.BlockedRecoveries++
	metrics.ObserveRecovery("unblock", r.cfg.UnblockWait)
	r.logger.Warn("Page blocked, waiting before reload",
		zap.Int("page", r.page),
		zap.Int("attempt", r.unblockAttempts),
		zap.Duration("wait", r.cfg.UnblockWait),
	)
	if err := r.clock.Sleep(ctx, r.cfg.UnblockWait); err != nil {
		return err
	}
	outcome, err := r.nav.Reload(ctx)
	if err != nil {
		return err
	}
	r.outcome = outcome
	r.transition(StateClassifying)
	return nil
}

// awaitChallenge gives a self-solving challenge time to finish. Once the
// budget is spent the page is treated as blocked.
func (r *run) awaitChallenge(ctx context.Context) error {
	if r.challengeAttempts >= r.cfg.ChallengeRetries {
		r.logger.Warn("Challenge did not resolve, treating page as blocked", zap.Int("page", r.page))
		r.outcome = browser.OutcomeBlocked
		r.transition(StateAwaitingUnblock)
		return nil
	}
	r.challengeAttempts++
	r.result.ChallengeWaits++
	metrics.ObserveRecovery("challenge", r.cfg.ChallengeWait)
	r.logger.Info("Challenge page detected, waiting",
		zap.Int("page", r.page),
		zap.Int("attempt", r.challengeAttempts),
		zap.Duration("wait", r.cfg.ChallengeWait),
	)
	if err := r.clock.Sleep(ctx, r.cfg.ChallengeWait); err != nil {
		return err
	}
	outcome, err := r.nav.Classify(ctx)
	if err != nil {
		return err
	}
	r.outcome = outcome
	r.transition(StateClassifying)
	return nil
}

func (r *run) extract(ctx context.Context) error {
	r.nav.SimulateInteraction(ctx)
	snap, err := r.nav.Snapshot(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		r.logger.Warn("Page snapshot failed", zap.Int("page", r.page), zap.Error(err))
		return r.retryElement(ctx)
	}

	items := r.ext.Extract(snap)
	if total := r.ext.TotalPages(snap); total > r.result.TotalPages {
		r.result.TotalPages = total
	}
	fresh, duplicates := r.listings.Split(items)
	if err := r.persist(ctx, fresh); err != nil {
		return err
	}

	r.result.Pages++
	r.result.LastPage = r.page
	r.result.Duplicates += duplicates
	metrics.ObserveListings(len(fresh), duplicates)
	if len(items) == 0 {
		r.emptyStreak++
	} else {
		r.emptyStreak = 0
	}
	ratio := 0.0
	if len(items) > 0 {
		ratio = float64(duplicates) / float64(len(items))
	}
	r.logger.Info("Catalog page extracted",
		zap.Int("page", r.page),
		zap.Int("found", len(items)),
		zap.Int("new", len(fresh)),
		zap.Int("duplicates", duplicates),
		zap.Int("total_pages", r.result.TotalPages),
		zap.Int("collected", len(r.listings.All())),
	)

	switch {
	case r.cfg.MaxPages > 0 && r.result.Pages >= r.cfg.MaxPages:
		r.stop(StateDone, ReasonPageLimit)
	case r.result.TotalPages > 0 && r.page >= r.result.TotalPages:
		r.stop(StateDone, ReasonTotalPages)
	case r.emptyStreak >= r.cfg.EmptyPageLimit:
		r.stop(StateExhausted, ReasonEmptyPages)
	case len(items) > 0 && ratio > r.cfg.DuplicateThreshold:
		r.logger.Warn("Page repeats earlier listings, stopping",
			zap.Int("page", r.page),
			zap.Float64("duplicate_ratio", ratio),
		)
		r.stop(StateCycled, ReasonDuplicates)
	case r.result.Pages >= r.cfg.PageCap:
		r.stop(StateDone, ReasonPageCap)
	default:
		r.page++
		r.transition(StateLoading)
	}
	return nil
}

func (r *run) persist(ctx context.Context, fresh []listing.RawListing) error {
	if len(fresh) == 0 {
		return nil
	}
	written, err := r.sink.UpsertRawMany(ctx, fresh)
	r.result.Persisted += written
	if err != nil {
		return fmt.Errorf("%w: page %d: %w", ErrPersist, r.page, err)
	}
	return nil
}

func (r *run) abort(reason StopReason, err error) (Result, error) {
	r.stop(StateFailed, reason)
	r.logger.Error("Crawl aborted", zap.String("reason", string(reason)), zap.Error(err))
	return r.finish(), err
}

func (r *run) finish() Result {
	r.result.Listings = r.listings.All()
	metrics.ObserveRun(r.result.State.String(), string(r.result.Reason))
	r.logger.Info("Crawl finished",
		zap.Stringer("state", r.result.State),
		zap.String("reason", string(r.result.Reason)),
		zap.Int("pages", r.result.Pages),
		zap.Int("listings", len(r.result.Listings)),
		zap.Int("duplicates", r.result.Duplicates),
		zap.Int("blocked_recoveries", r.result.BlockedRecoveries),
		zap.Int("challenge_waits", r.result.ChallengeWaits),
	)
	return r.result
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, browser.ErrSessionLost)
}

func reasonFor(ctx context.Context, err error) StopReason {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, ErrPersist):
		return ReasonStoreFailure
	default:
		return ReasonSessionLost
	}
}
