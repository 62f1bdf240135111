package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/pipeline"
)

// RateWindow is the sliding window of the rate limiter.
const RateWindow = time.Minute

// DefaultRateLimitIdentities bounds the number of tracked identities.
const DefaultRateLimitIdentities = 10000

// RateLimitOptions configures the rate limit stage.
type RateLimitOptions struct {
	MaxIdentities int
	Now           func() time.Time
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

// RateLimit allows at most limit messages per identity within RateWindow.
// The identity is the sender within the conversation origin.
type RateLimit struct {
	limit int

	mu      sync.Mutex
	windows *lru.Cache[string, []time.Time]

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewRateLimit creates the rate limit stage. A limit of 0 or less disables
// it.
func NewRateLimit(limit int, optFns ...func(o *RateLimitOptions)) (*RateLimit, error) {
	opts := RateLimitOptions{
		MaxIdentities: DefaultRateLimitIdentities,
		Now:           time.Now,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	windows, err := lru.New[string, []time.Time](opts.MaxIdentities)
	if err != nil {
		return nil, fmt.Errorf("rate limit identities: %w", err)
	}

	return &RateLimit{
		limit:   limit,
		windows: windows,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

func (r *RateLimit) Name() string { return "ratelimit" }

func (r *RateLimit) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	if r.limit <= 0 {
		return next()
	}

	identity := pc.Event.Session.Origin() + "#" + pc.Event.Session.SenderID

	if !r.Allow(identity) {
		pc.Set(pipeline.KeyRateLimited, true)
		pc.Terminate()

		r.metrics.RecordRateLimited()
		r.logger.Warn("stage.ratelimit.exceeded", "identity", identity, "limit", r.limit)

		return nil
	}

	return next()
}

// Allow records a request for identity and reports whether it is within the
// limit. Rejected requests do not count.
func (r *RateLimit) Allow(identity string) bool {
	if r.limit <= 0 {
		return true
	}

	now := r.now()
	cutoff := now.Add(-RateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	stamps, _ := r.windows.Get(identity)

	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.limit {
		r.windows.Add(identity, kept)
		return false
	}

	r.windows.Add(identity, append(kept, now))

	return true
}
