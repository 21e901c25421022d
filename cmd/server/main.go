package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/dual-engine/internal/api"
	"github.com/atmx/dual-engine/internal/borrow"
	"github.com/atmx/dual-engine/internal/config"
	"github.com/atmx/dual-engine/internal/events"
	"github.com/atmx/dual-engine/internal/lending"
	"github.com/atmx/dual-engine/internal/lending/sim"
	"github.com/atmx/dual-engine/internal/manager"
	"github.com/atmx/dual-engine/internal/oracle"
	"github.com/atmx/dual-engine/internal/risk"
	"github.com/atmx/dual-engine/internal/serial"
	"github.com/atmx/dual-engine/internal/settlement"
	"github.com/atmx/dual-engine/internal/store"
	"github.com/atmx/dual-engine/internal/swap"
	"github.com/atmx/dual-engine/internal/vault"
)

// exchangeInventory seeds the simulated exchange with each underlying.
var exchangeInventory = decimal.NewFromInt(1_000_000_000)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dual-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("dual-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, price feed, keeper lock) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("connected to Redis")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	} else {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Prices ---
	static := oracle.NewStatic()
	var prices lending.PriceSource = static
	var feed *oracle.RedisFeed
	if rdb != nil && cfg.Redis.PriceFeed {
		feed = oracle.NewRedisFeed(rdb, cfg.Redis.PriceMaxAge.Duration)
		prices = feed
		logger.Info("using Redis price feed", "max_age", cfg.Redis.PriceMaxAge.Duration.String())
	}

	// --- Lending markets and exchange ---
	world := sim.NewWorld(prices)
	exchange := swap.NewSimulated(cfg.Engine.ExchangeAddress, world, prices)
	caps := make(map[common.Address]decimal.Decimal, len(cfg.Markets))
	for _, m := range cfg.Markets {
		world.ListMarket(m.Address, m.Underlying, sim.MarketOptions{
			ExchangeRate: m.ExchangeRate,
			Decimals:     m.Decimals,
		})
		world.Mint(m.Underlying, exchange.Address(), exchangeInventory)
		caps[m.Address] = m.UtilizationCap
		if m.Price.IsPositive() {
			static.Set(m.Underlying, m.Price)
			if feed != nil {
				if err := feed.SetPrice(ctx, m.Underlying, m.Price, time.Now()); err != nil {
					return fmt.Errorf("seed price feed: %w", err)
				}
			}
		}
		logger.Info("market listed",
			"market", m.Address.Hex(),
			"underlying", m.Underlying.Hex(),
			"decimals", m.Decimals,
		)
	}

	// --- Events ---
	hub := events.NewHub(logger)
	sinks := events.Multi{hub}
	var natsPub *events.NATSPublisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("dual-engine"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := events.EnsureStream(ctx, js, cfg.NATS.StreamMaxAge.Duration); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		natsPub = events.NewNATSPublisher(js, cfg.NATS.Buffer, logger)
		sinks = append(sinks, natsPub)
		logger.Info("publishing events to NATS JetStream")
	}

	// --- Engine ---
	exec := &serial.Executor{}
	state, writer := risk.NewState(risk.Params{
		MinHealthFactor:      cfg.Risk.MinHealthFactor,
		MaxPositionSizeRatio: cfg.Risk.MaxPositionSizeRatio,
	}, caps)
	guard := risk.NewGuard(state, world, prices, sinks, logger)
	router := borrow.NewRouter(world, prices, state, logger)

	v, keys := vault.New(vault.Config{
		Address:     cfg.Engine.VaultAddress,
		Comptroller: world,
		Tokens:      world,
		Exchange:    exchange,
		Store:       st,
		Logger:      logger,
	})

	markets := cfg.MarketSet()
	mgr := manager.New(manager.Config{
		Markets:    markets,
		FeeRate:    config.Bps(cfg.Engine.FeeBps),
		RewardRate: cfg.Engine.RewardRate,
	}, manager.Deps{
		Store:       st,
		Guard:       guard,
		RiskWriter:  writer,
		Router:      router,
		Vault:       v,
		Authority:   keys.Manager,
		Comptroller: world,
		Prices:      prices,
		Executor:    exec,
		Events:      sinks,
		Logger:      logger,
	})

	engine := settlement.New(settlement.Config{
		Window:          markets.SettlementWindow,
		SlippageBuffer:  config.Bps(cfg.Engine.SlippageBufferBps),
		MaxSwapSlippage: config.Bps(cfg.Engine.SwapSlippageBps),
	}, settlement.Deps{
		Store:       st,
		Vault:       v,
		Authority:   keys.Settlement,
		Comptroller: world,
		Prices:      prices,
		Executor:    exec,
		Events:      sinks,
		Logger:      logger,
	})

	var locker serial.Locker = serial.NewLocalLocker()
	if rdb != nil {
		locker = serial.NewRedisLocker(rdb, logger)
	}
	keeper := settlement.NewKeeper(engine, st, locker, cfg.Engine.KeeperInterval.Duration, logger)

	// --- HTTP ---
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.New(api.Deps{
			Manager:    mgr,
			Engine:     engine,
			Guard:      guard,
			Store:      st,
			Vault:      v,
			Hub:        hub,
			AdminToken: cfg.Server.AdminToken,
			Logger:     logger,
		}).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return keeper.Run(gctx) })
	if natsPub != nil {
		g.Go(func() error { return natsPub.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("dual-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down dual-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
