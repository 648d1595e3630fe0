package cleaner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

// Options bounds adapter traffic.
type Options struct {
	// GroupSize is how many adapter calls run concurrently. Default: 10.
	GroupSize int
	// GroupDelay is the pause between groups. Default: 200ms.
	GroupDelay time.Duration
	// RatePerSec caps adapter calls per second; 0 disables the limiter.
	RatePerSec float64
	// Timeout bounds each adapter call. Default: 15s.
	Timeout time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		GroupSize:  10,
		GroupDelay: 200 * time.Millisecond,
		Timeout:    15 * time.Second,
	}
}

// Cleaner normalizes rows and optionally merges adapter output.
type Cleaner struct {
	norm    *normalize.Normalizer
	adapter Adapter
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a Cleaner. A nil adapter yields pure rule-based cleaning.
func New(norm *normalize.Normalizer, adapter Adapter, opts Options) *Cleaner {
	if norm == nil {
		norm = normalize.New(nil, normalize.Options{})
	}
	def := DefaultOptions()
	if opts.GroupSize <= 0 {
		opts.GroupSize = def.GroupSize
	}
	if opts.GroupDelay < 0 {
		opts.GroupDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	c := &Cleaner{
		norm:    norm,
		adapter: adapter,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "cleaner")),
	}
	if opts.RatePerSec > 0 {
		burst := max(1, int(opts.RatePerSec))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c
}

// Normalizer returns the rule normalizer in use.
func (c *Cleaner) Normalizer() *normalize.Normalizer { return c.norm }

// Merge overlays res on base using this cleaner's normalizer.
func (c *Cleaner) Merge(base model.NormalizedRecord, res Result) model.NormalizedRecord {
	return merge(c.norm, base, res)
}

// CleanAll returns one record per row, in input order. Rule normalization is
// always computed; adapter failures only log and keep the rule result. When
// ctx is cancelled no further adapter calls start and the remaining rows keep
// their rule-based records.
func (c *Cleaner) CleanAll(ctx context.Context, rows []model.RawRow) []model.NormalizedRecord {
	out := make([]model.NormalizedRecord, len(rows))
	for i, row := range rows {
		out[i] = c.norm.Normalize(row)
	}
	if c.adapter == nil || len(rows) == 0 {
		return out
	}

	results := c.callAdapter(ctx, rows)

	fallbacks := 0
	for i, res := range results {
		if res.Err != nil {
			fallbacks++
			c.log.Warn("cleaner: adapter failed, using rules",
				zap.Int("row", rows[i].Index),
				zap.Error(res.Err),
			)
			continue
		}
		out[i] = merge(c.norm, out[i], res)
	}
	if fallbacks > 0 {
		c.log.Info("cleaner: rule fallback",
			zap.Int("rows", len(rows)),
			zap.Int("fallbacks", fallbacks),
		)
	}
	return out
}

func (c *Cleaner) callAdapter(ctx context.Context, rows []model.RawRow) []Result {
	results := make([]Result, len(rows))
	mappings := c.norm.Mappings()

	for start := 0; start < len(rows); start += c.opts.GroupSize {
		if ctx.Err() != nil {
			break
		}
		if start > 0 && c.opts.GroupDelay > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(c.opts.GroupDelay):
			}
		}

		end := min(start+c.opts.GroupSize, len(rows))
		var g errgroup.Group
		g.SetLimit(c.opts.GroupSize)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = c.cleanOne(ctx, Request{Row: rows[i].Literal(), Mappings: mappings})
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

func (c *Cleaner) cleanOne(ctx context.Context, req Request) Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Err: err}
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.adapter.Clean(callCtx, req)
	if err == nil && resp == nil {
		return Result{}
	}
	return Result{Response: resp, Err: err}
}
