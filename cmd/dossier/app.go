package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/llm"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/retrieval"
	"github.com/mohammad-safakhou/dossier/internal/schema"
	"github.com/mohammad-safakhou/dossier/internal/store"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
	"github.com/mohammad-safakhou/dossier/internal/worker"
)

// runStore serves bundles through the cache and everything else from Postgres.
type runStore struct {
	synthesis.Store
	pg *store.Store
}

func (s runStore) ListRunsByStatus(ctx context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error) {
	return s.pg.ListRunsByStatus(ctx, status, limit)
}

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	pg       *store.Store
	rdb      *redis.Client
	store    runStore
	engine   *synthesis.Engine
	proc     *worker.Processor
	runner   *worker.Runner
	reporter *worker.SentryReporter
}

// loadBase reads configuration and opens logging, telemetry and storage.
func loadBase(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.General.LogLevel, cfg.General.Environment)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}

	a.pg, err = store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.store = runStore{Store: a.pg, pg: a.pg}
	if cfg.Storage.Redis.Enabled() {
		a.rdb = store.NewRedisClient(cfg.Storage.Redis)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, bundle cache disabled", zap.Error(err))
			_ = a.rdb.Close()
			a.rdb = nil
		} else {
			a.store.Store = store.NewBundleCache(a.pg, a.rdb, cfg.Storage.Redis.BundleTTL, logger)
		}
	}
	return a, nil
}

// newApp wires the full pipeline: generation, retrieval, protocol,
// synthesis and the worker.
func newApp(ctx context.Context, cfgPath string, extra ...protocol.Option) (*app, error) {
	a, err := loadBase(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg

	tel, meter, tracer, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{ServiceName: "dossier", ServiceVersion: version}, a.logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.tel = tel
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		a.logger.Warn("metrics disabled", zap.Error(err))
	}

	generator, pricing, err := llm.New(ctx, cfg.LLM, cfg.LLM.Routing.Steps)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("step generator: %w", err)
	}
	schemas, err := schema.Default()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	steps, err := protocol.DefaultSteps()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	searcher := retrieval.NewPerplexityClient(cfg.Retrieval, nil)
	exec := protocol.NewStepExecutor(searcher, generator, pricing, cfg.Protocol,
		decimal.NewFromFloat(cfg.Retrieval.CostPerRequest), a.logger)
	protoOpts := append([]protocol.Option{
		protocol.WithLogger(a.logger),
		protocol.WithTracer(tracer),
		protocol.WithMetrics(metrics),
		protocol.WithContextIndex(retrieval.NewContextIndex()),
		protocol.WithCitationPolicy(citations.NewPolicy(cfg.Citations)),
	}, extra...)
	orch := protocol.NewOrchestrator(a.pg, exec, schemas, steps, cfg.Protocol, protoOpts...)

	engineOpts := []synthesis.Option{
		synthesis.WithLogger(a.logger),
		synthesis.WithTracer(tracer),
		synthesis.WithMetrics(metrics),
	}
	if key := cfg.LLM.Routing.Synthesis; key != "" {
		g, _, err := llm.New(ctx, cfg.LLM, key)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("synthesis generator: %w", err)
		}
		engineOpts = append(engineOpts, synthesis.WithDrafter(synthesis.NewLLMDrafter(g)))
	}
	if cfg.Synthesis.ResolveTitles {
		client := &http.Client{Timeout: cfg.Synthesis.Normalize().TitleTimeout}
		engineOpts = append(engineOpts, synthesis.WithTitleResolver(synthesis.NewReadabilityTitleResolver(client)))
	}
	a.engine = synthesis.NewEngine(cfg.Synthesis, cfg.Citations, engineOpts...)

	procOpts := []worker.Option{worker.WithLogger(a.logger), worker.WithTracer(tracer)}
	if cfg.ErrorTracking.SentryDSN != "" {
		a.reporter, err = worker.NewSentryReporter(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
		if err != nil {
			a.logger.Warn("sentry disabled", zap.Error(err))
		} else {
			procOpts = append(procOpts, worker.WithReporter(a.reporter))
		}
	}
	a.proc = worker.NewProcessor(a.store, orch, a.engine, procOpts...)
	a.runner = worker.NewRunner(a.proc, cfg.Worker.Concurrency, a.logger)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if a.reporter != nil {
		a.reporter.Flush(2 * time.Second)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	_ = a.logger.Sync()
}
