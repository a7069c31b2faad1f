package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/guard"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/liquidation"
	"github.com/syntha/margin-engine/internal/market"
	"github.com/syntha/margin-engine/internal/metrics"
	"github.com/syntha/margin-engine/internal/oracle"
	"github.com/syntha/margin-engine/internal/orders"
	"github.com/syntha/margin-engine/internal/pool"
	"github.com/syntha/margin-engine/internal/positions"
	"github.com/syntha/margin-engine/internal/registry"
	"github.com/syntha/margin-engine/internal/store"
	"github.com/syntha/margin-engine/internal/token"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envStr("PORT", "8080")

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgPool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		pg := store.NewPostgresStore(pgPool)
		if err := pg.Init(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Module authorization registry ---
	reg := registry.New()
	for key, module := range map[registry.Key]string{
		registry.KeyStablePool:   "stable-pool",
		registry.KeyPositionBook: "position-book",
		registry.KeyOrderBook:    "order-book",
		registry.KeyLiquidation:  "liquidation-engine",
		registry.KeyOracle:       "oracle",
	} {
		if err := reg.Register(key, module); err != nil {
			slog.Error("registry wiring failed", "key", string(key), "err", err)
			os.Exit(1)
		}
	}

	// --- Token ledgers and vault ---
	coll := token.NewBank("collateral")
	shares := token.NewBank("stable-shares")
	nft := token.NewPositionNFT()

	vault := ledger.New(ledger.Config{
		MaxFundingVelocity:  envFixed("MAX_FUNDING_VELOCITY", "0.03"),
		MaxVelocitySkew:     envFixed("MAX_VELOCITY_SKEW", "0.1"),
		SkewFractionMax:     envFixed("SKEW_FRACTION_MAX", "1.2"),
		StableCollateralCap: envFixed("STABLE_COLLATERAL_CAP", "1000000"),
	}, reg, coll, time.Now())

	// Position tokens freeze while an order or liquidation holds them.
	nft.SetTransferGate(vault.Locked)

	// --- Price oracle ---
	push := oracle.NewPushFeed()
	pull := oracle.NewPullFeed(envStr("PYTH_PRICE_ID", "0xcollateral"))
	orc := oracle.New(oracle.Config{
		PushMaxAge:         envDur("ONCHAIN_MAX_AGE", 25*time.Hour),
		PullMaxAge:         envDur("OFFCHAIN_MAX_AGE", time.Hour),
		MinConfidenceRatio: envFixed("MIN_CONFIDENCE_RATIO", "1000"),
		MaxDiffPercent:     envFixed("MAX_DIFF_PERCENT", "0.01"),
		UpdateFee:          envFixed("PYTH_UPDATE_FEE", "0.001"),
	}, push, pull, coll)

	// --- Engine modules ---
	stablePool := pool.NewPool(pool.Config{
		WithdrawFeeRatio: envFixed("WITHDRAW_FEE_RATE", "0.0025"),
		MinDeposit:       envFixed("MIN_DEPOSIT", "0.01"),
	}, vault.Bind(registry.KeyStablePool), shares)

	posBook := positions.NewBook(positions.Config{
		LeverageMin:   envFixed("LEVERAGE_MIN", "1.5"),
		LeverageMax:   envFixed("LEVERAGE_MAX", "25"),
		MarginMin:     envFixed("MARGIN_MIN", "0.01"),
		TradeFeeRatio: envFixed("TRADE_FEE_RATE", "0.001"),
	}, vault.Bind(registry.KeyPositionBook), nft)

	book := orders.NewBook(orders.Config{
		MinExecutabilityAge: envDur("MIN_EXECUTABILITY_AGE", 10*time.Second),
		MaxExecutabilityAge: envDur("MAX_EXECUTABILITY_AGE", 60*time.Second),
		KeeperFee:           envFixed("KEEPER_FEE", "0.02"),
	}, vault.Bind(registry.KeyOrderBook), coll, nft, stablePool, posBook, orc)

	liq := liquidation.NewEngine(liquidation.Config{
		BufferRatio:   envFixed("LIQ_BUFFER_RATIO", "0.005"),
		FeeRatio:      envFixed("LIQ_FEE_RATIO", "0.002"),
		FeeLowerBound: envFixed("LIQ_FEE_LOWER", "0.05"),
		FeeUpperBound: envFixed("LIQ_FEE_UPPER", "1"),
		MaxPriceAge:   envDur("LIQ_MAX_PRICE_AGE", 2*time.Minute),
	}, vault.Bind(registry.KeyLiquidation), nft, orc)

	g := guard.New(guard.Config{
		Tolerance: envFixed("INVARIANT_TOLERANCE", "0.000001"),
	}, vault, coll, shares, nft, book, push, pull)

	// --- WebSocket hub ---
	hub := market.NewWSHub()
	go hub.Run()

	// --- Market service ---
	svc := market.NewService(market.Deps{
		Coll:   coll,
		Shares: shares,
		NFT:    nft,
		Vault:  vault,
		Oracle: orc,
		Push:   push,
		Pull:   pull,
		Pool:   stablePool,
		Orders: book,
		Liq:    liq,
		Guard:  g,
		Store:  st,
		Hub:    hub,
	})

	if err := svc.Boot(context.Background()); err != nil {
		slog.Error("state restore failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for real-time engine events.
	r.Get("/ws", hub.HandleWS)

	r.Route("/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFixed(key, def string) fixedpoint.Value {
	raw := envStr(key, def)
	v, err := fixedpoint.Parse(raw)
	if err != nil {
		slog.Error("invalid config value", "key", key, "value", raw, "err", err)
		os.Exit(1)
	}
	return v
}

func envDur(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid config duration", "key", key, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}
