package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/cleaner"
	"github.com/sells-group/loan-ingest/internal/config"
	"github.com/sells-group/loan-ingest/internal/importer"
	"github.com/sells-group/loan-ingest/internal/normalize"
	"github.com/sells-group/loan-ingest/internal/orphan"
	"github.com/sells-group/loan-ingest/internal/quarantine"
	"github.com/sells-group/loan-ingest/internal/resilience"
	"github.com/sells-group/loan-ingest/internal/sheet"
	"github.com/sells-group/loan-ingest/internal/store"
	anthropicpkg "github.com/sells-group/loan-ingest/pkg/anthropic"
)

// ingestEnv holds the store and the services built on it that the commands
// and the review server share.
type ingestEnv struct {
	Store      store.Store
	Pipeline   *importer.Pipeline
	Quarantine *quarantine.Service
	Reconciler *orphan.Reconciler
	// Adapter is nil when LLM cleaning is off.
	Adapter *cleaner.LLMAdapter
}

// Close releases the store and logs LLM spend.
func (e *ingestEnv) Close() {
	if e.Adapter != nil {
		e.Adapter.Usage().LogCost(e.Adapter.Model(), "cleaner")
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and builds the services. noAI turns LLM cleaning
// off regardless of config. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, noAI bool) (*ingestEnv, error) {
	if noAI {
		cfg.Cleaner.Enabled = false
	}

	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	var adapter *cleaner.LLMAdapter
	if cfg.Cleaner.Enabled {
		adapter = newLLMAdapter(cfg)
	}

	env, err := newEnv(cfg, st, adapter)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// newEnv wires the services over st from c.
func newEnv(c *config.Config, st store.Store, adapter *cleaner.LLMAdapter) (*ingestEnv, error) {
	mappings := normalize.DefaultMappings()
	if c.Normalize.MappingsFile != "" {
		m, err := normalize.LoadMappings(c.Normalize.MappingsFile)
		if err != nil {
			return nil, eris.Wrap(err, "load field mappings")
		}
		mappings = m
	}
	norm := normalize.New(mappings, normalize.Options{CountryCode: c.Normalize.CountryCode})

	var a cleaner.Adapter
	if adapter != nil {
		a = adapter
	}
	cl := cleaner.New(norm, a, cleaner.Options{
		GroupSize:  c.Cleaner.GroupSize,
		GroupDelay: time.Duration(c.Cleaner.GroupDelayMs) * time.Millisecond,
		RatePerSec: c.Cleaner.RatePerSec,
		Timeout:    time.Duration(c.Cleaner.TimeoutSecs) * time.Second,
	})

	pipe := importer.NewPipeline(st, cl, policyFromConfig(c), importer.PipelineOptions{
		Load: sheet.LoadOptions{
			FTPTimeout: time.Duration(c.Import.FTPTimeoutSecs) * time.Second,
			MaxBytes:   c.Import.MaxFileBytes,
		},
		Executor: importer.Options{
			RetryAttempts: c.Import.RetryAttempts,
			RetryBackoff:  time.Duration(c.Import.RetryBackoffMs) * time.Millisecond,
		},
	})

	return &ingestEnv{
		Store:      st,
		Pipeline:   pipe,
		Quarantine: quarantine.NewService(st, norm),
		Reconciler: orphan.NewReconciler(st),
		Adapter:    adapter,
	}, nil
}

func newLLMAdapter(c *config.Config) *cleaner.LLMAdapter {
	var opts []option.RequestOption
	if c.Anthropic.TimeoutSecs > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(c.Anthropic.TimeoutSecs)*time.Second))
	}
	client := anthropicpkg.NewClient(c.Anthropic.Key, opts...)

	breakerCfg := resilience.FromCircuitConfig(c.Cleaner.BreakerThreshold, c.Cleaner.BreakerResetSecs)
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("cleaner: circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return cleaner.NewLLMAdapter(client, cleaner.LLMConfig{
		Model:     c.Anthropic.Model,
		MaxTokens: c.Anthropic.MaxTokens,
		Breaker:   resilience.NewCircuitBreaker(breakerCfg),
		Retry:     resilience.FromRetryConfig(c.Cleaner.RetryAttempts, c.Cleaner.RetryBackoffMs),
	})
}

func policyFromConfig(c *config.Config) quarantine.Policy {
	p := quarantine.DefaultPolicy()
	q := c.Quarantine
	if len(q.RequiredFields) > 0 {
		p.RequiredFields = q.RequiredFields
	}
	if len(q.LoanRequiredFields) > 0 {
		p.LoanRequiredFields = q.LoanRequiredFields
	}
	if q.QuarantineThreshold > 0 {
		p.QuarantineThreshold = q.QuarantineThreshold
	}
	if q.AutoApproveThreshold > 0 {
		p.AutoApproveThreshold = q.AutoApproveThreshold
	}
	if q.MaxWarnings > 0 {
		p.MaxWarnings = q.MaxWarnings
	}
	if q.MinNameLength > 0 {
		p.MinNameLength = q.MinNameLength
	}
	if cc := c.Normalize.CountryCode; cc != "" {
		p.PhonePrefix = "+" + cc
	}
	return p
}
