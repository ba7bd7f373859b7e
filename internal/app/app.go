// Package app wires the indexer daemon together: configuration, storage,
// Discord REST and gateway clients, backfill workers, claim maintenance, and
// the ops listener, all run under one group.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wrenfolk/chronicle/internal/backfill"
	"github.com/wrenfolk/chronicle/internal/config"
	"github.com/wrenfolk/chronicle/internal/discord"
	"github.com/wrenfolk/chronicle/internal/gateway"
	"github.com/wrenfolk/chronicle/internal/ingest"
	"github.com/wrenfolk/chronicle/internal/metrics"
	"github.com/wrenfolk/chronicle/internal/ops"
	"github.com/wrenfolk/chronicle/internal/ratelimit"
	"github.com/wrenfolk/chronicle/internal/store"
	"github.com/wrenfolk/chronicle/internal/tracing"
)

// App is the assembled daemon. All components share one store connection,
// one HTTP client, and one metrics registry.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	tracer   *tracing.Provider
	store    store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	client   *discord.Client
	runner   *backfill.Runner
	session  *gateway.Session
	sweeper  *Sweeper
	ops      *ops.Server
}

// New connects to MongoDB, ensures the index contract, and assembles every
// component. No Discord connection is opened until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "chronicle",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		_ = st.Close(ctx)
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	a, err := assemble(cfg, logger, tracer, st)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	return a, nil
}

// assemble builds the component graph on an already connected store.
func assemble(cfg *config.Config, logger *slog.Logger, tracer *tracing.Provider, st store.Store) (*App, error) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics()
	if err := m.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if tracer.IsEnabled() {
		transport = otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	httpClient := &http.Client{
		Timeout:   cfg.HTTPTimeout(),
		Transport: transport,
	}

	limiter := ratelimit.New(logger)
	client := discord.NewClient(cfg.APIBase, cfg.BotToken, httpClient, limiter, m, logger)
	ingester := ingest.NewIngester(st, m, logger)

	runner := backfill.NewRunner(backfill.Config{
		Workers:      cfg.BackfillWorkers,
		PageSize:     cfg.BackfillPageSize,
		RequestDelay: cfg.RequestDelay(),
	}, st, client, ingester, m, logger)

	session, err := gateway.NewSession(gateway.Config{
		URL:     cfg.GatewayURL,
		Token:   cfg.BotToken,
		Intents: cfg.Intents,
	}, ingester, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway session: %w", err)
	}

	sweeper := NewSweeper(st, m, logger, cfg.ClaimTTL(), cfg.ClaimSweepInterval())

	var opsServer *ops.Server
	if cfg.OpsAddr != "" {
		opsServer = ops.NewServer(ops.Config{
			Addr:     cfg.OpsAddr,
			Registry: registry,
			Store:    st,
			Gateway:  session,
		}, logger)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		store:    st,
		registry: registry,
		metrics:  m,
		client:   client,
		runner:   runner,
		session:  session,
		sweeper:  sweeper,
		ops:      opsServer,
	}, nil
}

// Run bootstraps guild and channel state, then runs the backfill workers,
// the gateway supervisor, the claim sweeper, and the ops listener until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runner.Run(ctx) })
	g.Go(func() error { return a.session.Run(ctx) })
	g.Go(func() error { return a.sweeper.Run(ctx) })
	if a.ops != nil {
		g.Go(func() error { return a.ops.Run(ctx) })
	}
	return g.Wait()
}

// bootstrap resolves the guild list and seeds backfill state for every
// indexable channel. Seeding an already known channel is a no-op, so restarts
// never disturb in-progress cursors.
func (a *App) bootstrap(ctx context.Context) error {
	guildIDs := a.cfg.GuildIDs
	if len(guildIDs) == 0 {
		guilds, err := a.client.ListGuilds(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover guilds: %w", err)
		}
		guildIDs = make([]string, 0, len(guilds))
		for i := 0; i < len(guilds); i++ {
			guildIDs = append(guildIDs, guilds[i].ID)
		}
		a.logger.Info("discovered guilds", slog.Int("count", len(guildIDs)))
	} else {
		a.logger.Info("using configured guilds", slog.Int("count", len(guildIDs)))
	}

	seeded, known := 0, 0
	for i := 0; i < len(guildIDs); i++ {
		guildID := guildIDs[i]
		channels, err := a.client.GuildChannels(ctx, guildID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("failed to enumerate guild channels, skipping guild",
				slog.String("guild_id", guildID),
				slog.String("error", err.Error()))
			continue
		}

		for j := 0; j < len(channels); j++ {
			ch := channels[j]
			if !ch.Indexable() {
				continue
			}
			created, err := a.store.SeedBackfill(ctx, ch.ID, guildID)
			if err != nil {
				return fmt.Errorf("failed to seed channel %s: %w", ch.ID, err)
			}
			if created {
				seeded++
			} else {
				known++
			}
		}
	}

	a.logger.Info("backfill seeding complete",
		slog.Int("seeded", seeded),
		slog.Int("known", known))
	return nil
}

// Close releases the store connection and flushes pending traces.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("failed to close store", slog.String("error", err.Error()))
		firstErr = err
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shut down tracing", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
