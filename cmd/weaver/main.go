package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	weaver "github.com/weaverai/weaver"
	"github.com/weaverai/weaver/internal/config"
	"github.com/weaverai/weaver/observer"
	"github.com/weaverai/weaver/provider/resolve"
	"github.com/weaverai/weaver/store/postgres"
	"github.com/weaverai/weaver/store/sqlite"
	"github.com/weaverai/weaver/tools/fetch"
	"github.com/weaverai/weaver/tools/search"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load(os.Getenv("WEAVER_CONFIG"))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Provider
	provider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return err
	}
	provider = weaver.WithRetry(provider)

	// Observability (opt-in)
	var inst *observer.Instruments
	var tracer weaver.Tracer
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		tracer = observer.NewTracer()
		logger.Info("observability enabled")
	}

	// Persistence
	checkpointer, sessions, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Tools
	registry := weaver.NewRegistry()
	fetcher := fetch.New()
	var searchClient weaver.SearchClient
	if cfg.Search.BraveAPIKey != "" {
		sc := search.New(cfg.Search.BraveAPIKey)
		searchClient = sc
		if err := registry.Register(withObserver(sc.Descriptor(), inst)); err != nil {
			return err
		}
	} else {
		logger.Warn("BRAVE_API_KEY not set, web search disabled")
	}
	if err := registry.Register(withObserver(fetcher.Descriptor(), inst)); err != nil {
		return err
	}
	registry.Freeze()

	// Limits
	limits := weaver.DefaultLimits()
	if cfg.Limits.ToolTimeoutSeconds > 0 {
		limits.ToolTimeout = time.Duration(cfg.Limits.ToolTimeoutSeconds) * time.Second
	}
	if cfg.Limits.TurnTimeoutSeconds > 0 {
		limits.TurnTimeout = time.Duration(cfg.Limits.TurnTimeoutSeconds) * time.Second
	}

	// Research engine
	caps := weaver.DefaultResearchCaps()
	if cfg.Research.MaxEpochs > 0 {
		caps.MaxEpochs = cfg.Research.MaxEpochs
	}
	if cfg.Research.MaxSubQueries > 0 {
		caps.MaxSubQueries = cfg.Research.MaxSubQueries
	}
	if cfg.Research.FreshnessDays > 0 {
		caps.FreshnessWindowDays = cfg.Research.FreshnessDays
	}
	var research *weaver.ResearchEngine
	if searchClient != nil {
		research = weaver.NewResearchEngine(provider, searchClient, caps,
			weaver.ResearchLogger(logger),
			weaver.ResearchTracer(tracer),
			weaver.ResearchFetcher(fetcher),
		)
	}

	rt := &weaver.Runtime{
		Provider:     provider,
		Registry:     registry,
		Bus:          weaver.NewBus(weaver.BusBuffer(cfg.Events.BufferSize), weaver.BusLogger(logger)),
		Checkpointer: checkpointer,
		Context:      weaver.NewContextManager(cfg.LLM.Model, cfg.Context.MaxTokens, weaver.TruncationStrategy(cfg.Context.TruncationStrategy)),
		Router:       weaver.NewRouter(provider, weaver.RouterLogger(logger), weaver.RouterTracer(tracer)),
		Research:     research,
		Search:       searchClient,
		Limits:       limits,
		Logger:       logger,
		Tracer:       tracer,
	}

	graph := weaver.NewChatGraph()
	if err := graph.Validate(); err != nil {
		return err
	}

	srv := weaver.NewServer(rt, graph,
		weaver.ServerLogger(logger),
		weaver.ServerSessions(sessions),
	)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Server.Addr, "provider", provider.Name(), "model", cfg.LLM.Model)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	rt.Bus.Close()
	return nil
}

// buildStores selects the checkpointer and session store from config.
// "none" disables persistence, "file" uses SQLite, "sql" uses PostgreSQL.
func buildStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (weaver.Checkpointer, weaver.SessionStore, func(), error) {
	switch cfg.Store.Checkpointer {
	case "", "none":
		return weaver.NopCheckpointer{}, nil, func() {}, nil
	case "file":
		st := sqlite.New(cfg.Store.DSN, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		return st, st, func() { _ = st.Close() }, nil
	case "sql":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		st := postgres.New(pool, postgres.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return st, st, pool.Close, nil
	default:
		return nil, nil, nil, errors.New("unknown checkpointer " + cfg.Store.Checkpointer)
	}
}

// withObserver wraps a descriptor's handler with instrumentation when
// observability is enabled.
func withObserver(d weaver.ToolDescriptor, inst *observer.Instruments) weaver.ToolDescriptor {
	if inst != nil {
		d.Handler = observer.WrapTool(d.Name, d.Handler, inst)
	}
	return d
}
