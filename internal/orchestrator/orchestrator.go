// Package orchestrator runs one serve cycle: scrape-if-new, select, commit,
// process and report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/metrics"
)

// commitAttempts bounds retries of a keyword update that lost a race.
const commitAttempts = 3

// Config tunes the orchestrator.
type Config struct {
	// MaxParallel bounds concurrent image processing within one request.
	MaxParallel int
	// Topic receives ServeEvents; empty disables publishing.
	Topic string
}

// Request asks for up to MaxSave images for Keyword, hosted under Profile.
type Request struct {
	Keyword string
	Profile string
	MaxSave int
}

// Result reports what one serve cycle handed out.
type Result struct {
	Keyword string
	// Picked is the selection in order, regardless of processing outcome.
	Picked []string
	// SavedURLs holds the hosted URL of every successfully processed pick, in selection order.
	SavedURLs []string
	// Remaining is the unserved list after this request.
	Remaining []string
	Outcomes  []images.ProcessResult
}

// Orchestrator coordinates the store, searcher and processor.
type Orchestrator struct {
	store     images.Store
	searcher  images.Searcher
	processor images.Processor
	publisher images.Publisher
	ids       images.IDGenerator
	clock     images.Clock
	sampler   *images.Sampler
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds an Orchestrator. publisher and ids may be nil when no topic is configured.
func New(
	store images.Store,
	searcher images.Searcher,
	processor images.Processor,
	publisher images.Publisher,
	ids images.IDGenerator,
	clock images.Clock,
	sampler *images.Sampler,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if sampler == nil {
		sampler = images.NewSampler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		searcher:  searcher,
		processor: processor,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		sampler:   sampler,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/JakeFAU/realtime-image-scraper/internal/orchestrator"),
	}
}

// Serve executes one request. Only malformed requests and store failures are
// returned as errors; search and per-image failures degrade the result.
func (o *Orchestrator) Serve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	keyword := images.NormalizeKeyword(req.Keyword)
	if keyword == "" {
		return Result{}, fmt.Errorf("%w: keyword is required", images.ErrInvalidRequest)
	}
	if req.MaxSave < 0 {
		return Result{}, fmt.Errorf("%w: max_save must not be negative", images.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Profile) == "" {
		return Result{}, fmt.Errorf("%w: profile is required", images.ErrInvalidRequest)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Serve", trace.WithAttributes(
		attribute.String("keyword", keyword),
		attribute.String("profile", req.Profile),
		attribute.Int("max_save", req.MaxSave),
	))
	defer span.End()

	picked, remaining, err := o.selectAndCommit(ctx, keyword, req.MaxSave)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return Result{}, err
	}

	outcomes := o.processAll(ctx, keyword, req.Profile, picked)
	saved := make([]string, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Saved {
			saved = append(saved, out.FinalURL)
		}
	}

	result := Result{
		Keyword:   keyword,
		Picked:    picked,
		SavedURLs: saved,
		Remaining: remaining,
		Outcomes:  outcomes,
	}
	span.SetAttributes(attribute.Int("picked", len(picked)), attribute.Int("saved", len(saved)))
	metrics.ObserveServe(time.Since(start))
	o.logger.Info("serve completed",
		zap.String("keyword", keyword),
		zap.String("profile", req.Profile),
		zap.Int("picked", len(picked)),
		zap.Int("saved", len(saved)),
		zap.Int("remaining", len(remaining)),
		zap.Duration("duration", time.Since(start)),
	)

	if len(picked) > 0 {
		o.publishEvent(ctx, req.Profile, result)
	}
	return result, nil
}

// selectAndCommit runs inside the per-keyword write section. The first
// request for a keyword scrapes there, so concurrent first requests scrape once.
// A store that reports a lost race is retried a few times before giving up.
func (o *Orchestrator) selectAndCommit(ctx context.Context, keyword string, count int) ([]string, []string, error) {
	for attempt := 1; ; attempt++ {
		picked, remaining, err := o.trySelectAndCommit(ctx, keyword, count)
		if err == nil || !errors.Is(err, images.ErrConflict) || attempt == commitAttempts {
			return picked, remaining, err
		}
		o.logger.Warn("keyword update conflicted; retrying",
			zap.String("keyword", keyword),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) trySelectAndCommit(ctx context.Context, keyword string, count int) ([]string, []string, error) {
	var picked, remaining []string
	_, err := o.store.Update(ctx, keyword, func(rec *images.Record) error {
		if rec.IsEmpty() {
			o.scrape(ctx, keyword, rec)
		} else {
			metrics.ObserveSearch("skipped")
		}
		picked, remaining = images.Select(*rec, count, o.sampler)
		fromUnserved := min(len(rec.Unserved), len(picked))
		metrics.ObservePicked("unserved", fromUnserved)
		metrics.ObservePicked("served", len(picked)-fromUnserved)
		images.Commit(rec, picked, remaining)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("select for %q: %w", keyword, err)
	}
	return picked, remaining, nil
}

func (o *Orchestrator) scrape(ctx context.Context, keyword string, rec *images.Record) {
	if o.searcher == nil {
		return
	}
	urls, err := o.searcher.Search(ctx, keyword)
	if err != nil {
		metrics.ObserveSearch("failed")
		level := zap.WarnLevel
		if !errors.Is(err, images.ErrScrapeFailed) {
			level = zap.ErrorLevel
		}
		o.logger.Log(level, "search failed; continuing without new urls",
			zap.String("keyword", keyword),
			zap.Error(err),
		)
		return
	}
	added := images.MergeScraped(rec, urls)
	metrics.ObserveSearch("ok")
	o.logger.Info("search merged",
		zap.String("keyword", keyword),
		zap.Int("found", len(urls)),
		zap.Int("added", added),
	)
}

// processAll runs the processor over picked with bounded parallelism and
// returns outcomes in selection order.
func (o *Orchestrator) processAll(ctx context.Context, keyword, profile string, picked []string) []images.ProcessResult {
	outcomes := make([]images.ProcessResult, len(picked))
	if len(picked) == 0 {
		return outcomes
	}
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallel)
	for i, u := range picked {
		g.Go(func() error {
			outcomes[i] = o.processor.Process(ctx, images.ProcessRequest{
				URL:     u,
				Keyword: keyword,
				Profile: profile,
			})
			return nil
		})
	}
	// Process never fails; outcomes carry the fallback reasons.
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) publishEvent(ctx context.Context, profile string, result Result) {
	if o.cfg.Topic == "" || o.publisher == nil {
		return
	}
	event := images.ServeEvent{
		Keyword:   result.Keyword,
		Profile:   profile,
		Picked:    result.Picked,
		SavedURLs: result.SavedURLs,
		Remaining: len(result.Remaining),
	}
	if o.clock != nil {
		event.OccurredAt = o.clock.Now()
	} else {
		event.OccurredAt = time.Now().UTC()
	}
	if o.ids != nil {
		id, err := o.ids.NewID()
		if err != nil {
			o.logger.Warn("generate event id failed", zap.Error(err))
		}
		event.ID = id
	}
	msgID, err := o.publisher.Publish(ctx, o.cfg.Topic, event)
	if err != nil {
		o.logger.Error("publish serve event failed",
			zap.String("keyword", result.Keyword),
			zap.String("topic", o.cfg.Topic),
			zap.Error(err),
		)
		return
	}
	o.logger.Debug("serve event published",
		zap.String("keyword", result.Keyword),
		zap.String("event_id", event.ID),
		zap.String("message_id", msgID),
	)
}
