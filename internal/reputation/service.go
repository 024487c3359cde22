package reputation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/metrics"
)

// DefaultPacing is the minimum spacing between live API calls.
const DefaultPacing = time.Second

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Pacing spaces live calls process-wide. Negative disables pacing; zero
	// means DefaultPacing.
	Pacing time.Duration
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Service fronts a Provider with the cache, one in-flight query per
// indicator value and call pacing. It is safe for concurrent use.
type Service struct {
	provider Provider
	cache    *Cache
	group    singleflight.Group
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewService(p Provider, cache *Cache, opts ServiceOptions) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	limit := rate.Inf
	switch {
	case opts.Pacing == 0:
		limit = rate.Every(DefaultPacing)
	case opts.Pacing > 0:
		limit = rate.Every(opts.Pacing)
	}
	return &Service{
		provider: p,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, 1),
		now:      opts.Now,
		logger:   opts.Logger.Named("reputation"),
	}
}

// Provider returns the wrapped provider.
func (s *Service) Provider() Provider { return s.provider }

// Check returns a fresh cached result or queries the provider. Quota and
// client errors are passed through and nothing is cached for them.
func (s *Service) Check(ctx context.Context, ind ioc.Indicator) (Result, error) {
	name := s.provider.Name()
	if r, ok := s.cache.Lookup(ind, s.now()); ok {
		metrics.ReputationLookups.WithLabelValues(name, "hit").Inc()
		s.logger.Debugw("cache hit", "ioc", ind.Value)
		return r, nil
	}

	// The flight outlives any single caller so one cancellation does not
	// fail the others sharing it.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(ind.Value, func() (interface{}, error) {
		// Another flight may have filled the cache while we waited on the key.
		if r, ok := s.cache.Lookup(ind, s.now()); ok {
			metrics.ReputationLookups.WithLabelValues(name, "hit").Inc()
			return r, nil
		}
		if err := s.limiter.Wait(flightCtx); err != nil {
			return nil, err
		}

		start := time.Now()
		r, err := s.provider.Query(flightCtx, ind)
		metrics.ReputationLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				metrics.ReputationLookups.WithLabelValues(name, "quota").Inc()
			} else {
				metrics.ReputationLookups.WithLabelValues(name, "error").Inc()
			}
			return nil, err
		}

		if r.IsUnknown() {
			metrics.ReputationLookups.WithLabelValues(name, "unknown").Inc()
		} else {
			metrics.ReputationLookups.WithLabelValues(name, "live").Inc()
		}
		s.cache.Store(ind, r, s.now())
		return r, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		if res.Shared {
			s.logger.Debugw("shared in-flight lookup", "ioc", ind.Value)
		}
		return res.Val.(Result), nil
	}
}
