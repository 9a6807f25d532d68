package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/statcache"
)

// Config controls a Scraper.
type Config struct {
	BaseURL string
	// AttemptTimeout bounds a single Fetch, including any fallback load.
	AttemptTimeout time.Duration
	// FillDetail loads detail pages for list rows missing teams or percentages.
	FillDetail bool
}

// Scraper implements statcache.Fetcher for the prediction site.
type Scraper struct {
	cfg       Config
	primary   PageLoader
	fallback  PageLoader
	limiter   Waiter
	shells    ShellDetector
	extractor Extractor
	clock     statcache.Clock
	logger    *zap.Logger
}

var _ statcache.Fetcher = (*Scraper)(nil)

// Option customizes a Scraper.
type Option func(*Scraper)

// WithFallback sets the loader used when the primary page yields no data.
func WithFallback(loader PageLoader) Option {
	return func(s *Scraper) { s.fallback = loader }
}

// WithLimiter paces page loads per host.
func WithLimiter(w Waiter) Option {
	return func(s *Scraper) { s.limiter = w }
}

// WithShellDetector flags empty static pages that only a browser could fill.
func WithShellDetector(d ShellDetector) Option {
	return func(s *Scraper) { s.shells = d }
}

// WithExtractor replaces the default goquery extractor.
func WithExtractor(e Extractor) Option {
	return func(s *Scraper) { s.extractor = e }
}

// New creates a Scraper that loads pages through primary.
func New(cfg Config, primary PageLoader, clock statcache.Clock, logger *zap.Logger, opts ...Option) (*Scraper, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary page loader is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scraper{
		cfg:       cfg,
		primary:   primary,
		extractor: HTMLExtractor{},
		clock:     clock,
		logger:    logger.Named("scraper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch performs one bounded acquisition attempt for key.
func (s *Scraper) Fetch(ctx context.Context, key string) statcache.FetchResult {
	q, err := statcache.ParseKey(key)
	if err != nil {
		metrics.ObserveFetch("invalid", "fatal", 0)
		return statcache.Failure(err, false)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	ctx, span := otel.Tracer("statcache/scraper").Start(ctx, "scraper.Fetch")
	span.SetAttributes(attribute.String("statcache.key", key), attribute.String("statcache.kind", string(q.Kind)))
	defer span.End()

	start := time.Now()
	result := s.fetch(ctx, q)
	status := "ok"
	switch {
	case result.OK():
	case result.Retryable:
		status = "retryable"
	default:
		status = "fatal"
	}
	metrics.ObserveFetch(string(q.Kind), status, time.Since(start))
	if !result.OK() {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, status)
		s.logger.Warn("fetch attempt failed",
			zap.String("key", key), zap.Bool("retryable", result.Retryable), zap.Error(result.Err))
	}
	return result
}

func (s *Scraper) fetch(ctx context.Context, q statcache.Query) statcache.FetchResult {
	if q.Date != statcache.TodayDate(s.clock.Now()) {
		return statcache.FatalFailure(fmt.Errorf("%w: %s", errDateNotServed, q.Date), "select page")
	}
	switch q.Kind {
	case statcache.KindPredictionList:
		rows, err := s.predictionList(ctx)
		if err != nil {
			return classify(err, "scrape prediction list")
		}
		return encode(rows)
	case statcache.KindGameIDs:
		ids, err := loadAndExtract(ctx, s, s.cfg.BaseURL, func(page Page) ([]string, bool, error) {
			ids, err := s.extractor.GameIDs(page)
			return ids, len(ids) > 0, err
		})
		if err != nil {
			return classify(err, "scrape game ids")
		}
		return encode(ids)
	case statcache.KindPrediction:
		row, err := s.prediction(ctx, q.GameID)
		if err != nil {
			return classify(err, "scrape prediction")
		}
		return encode(row)
	default:
		return statcache.FatalFailure(fmt.Errorf("unsupported kind %q", q.Kind), "select page")
	}
}

// predictionList returns the list only when every row is complete, so a
// partial render never replaces good data.
func (s *Scraper) predictionList(ctx context.Context) ([]Prediction, error) {
	rows, err := loadAndExtract(ctx, s, s.cfg.BaseURL, func(page Page) ([]Prediction, bool, error) {
		rows, err := s.extractor.PredictionList(page, s.cfg.BaseURL)
		return rows, len(rows) > 0, err
	})
	if err != nil {
		return nil, err
	}
	if s.cfg.FillDetail {
		for i := range rows {
			if rows[i].Complete() && rows[i].PredictText != nil {
				continue
			}
			detail, err := s.prediction(ctx, rows[i].GameID)
			if err != nil {
				s.logger.Debug("detail fill failed", zap.String("s_no", rows[i].GameID), zap.Error(err))
				continue
			}
			rows[i].fill(detail)
		}
	}
	incomplete := 0
	for _, row := range rows {
		if !row.Complete() {
			incomplete++
		}
	}
	if incomplete > 0 {
		return nil, fmt.Errorf("%w: %d of %d rows missing teams or percentages", errIncompleteList, incomplete, len(rows))
	}
	return rows, nil
}

func (s *Scraper) prediction(ctx context.Context, gameID string) (Prediction, error) {
	detailURL := DetailURL(s.cfg.BaseURL, gameID)
	return loadAndExtract(ctx, s, detailURL, func(page Page) (Prediction, bool, error) {
		row, err := s.extractor.Prediction(page, gameID, detailURL)
		return row, row.hasData(), err
	})
}

// loadAndExtract loads rawURL through the primary loader and, when that
// fails or yields nothing, once more through the fallback loader.
func loadAndExtract[T any](ctx context.Context, s *Scraper, rawURL string, extract func(Page) (T, bool, error)) (T, error) {
	var zero T
	loaders := []PageLoader{s.primary}
	if s.fallback != nil {
		loaders = append(loaders, s.fallback)
	}
	var lastErr error
	for i, loader := range loaders {
		if i > 0 {
			if ctx.Err() != nil || isPermanent(lastErr) {
				break
			}
			s.logger.Info("primary load yielded nothing; trying fallback", zap.String("url", rawURL), zap.Error(lastErr))
		}
		page, err := s.load(ctx, loader, rawURL)
		if err != nil {
			lastErr = err
			continue
		}
		value, ok, err := extract(page)
		switch {
		case err != nil:
			lastErr = err
		case !ok && s.shells != nil && s.shells.NeedsRender(page):
			lastErr = fmt.Errorf("%w: %s", errNeedsRender, rawURL)
		case !ok:
			lastErr = fmt.Errorf("%w: %s", errEmptyExtraction, rawURL)
		default:
			return value, nil
		}
	}
	return zero, lastErr
}

func (s *Scraper) load(ctx context.Context, loader PageLoader, rawURL string) (Page, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, rawURL); err != nil {
			return Page{}, err
		}
	}
	page, err := loader.Load(ctx, rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("load %s: %w", rawURL, err)
	}
	if err := checkStatus(page); err != nil {
		return Page{}, err
	}
	return page, nil
}

func isPermanent(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Permanent()
}

// classify maps a failed attempt to a FetchResult. Permanent HTTP statuses
// are fatal; timeouts, network errors, server errors, and empty or partial
// pages are retryable.
func classify(err error, message string) statcache.FetchResult {
	if isPermanent(err) {
		return statcache.FatalFailure(err, message)
	}
	return statcache.RetryableFailure(err, message)
}

func encode(v any) statcache.FetchResult {
	payload, err := json.Marshal(v)
	if err != nil {
		return statcache.FatalFailure(err, "encode payload")
	}
	return statcache.Success(payload)
}
