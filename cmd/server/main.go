package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/exchange"
	"github.com/kickcap/exchange-engine/internal/exposure"
	"github.com/kickcap/exchange-engine/internal/ledger"
	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/performance"
	"github.com/kickcap/exchange-engine/internal/settlement"
	"github.com/kickcap/exchange-engine/internal/store"
	"github.com/kickcap/exchange-engine/internal/stream"
	"github.com/kickcap/exchange-engine/internal/valuation"
	"github.com/kickcap/exchange-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	port := envOr("PORT", "8080")

	// --- Valuation parameters ---
	valuer, err := valuation.NewValuer(
		envDecimal("PRICE_EPSILON", "0.01"),
		envDecimal("LOSS_TRANSFER_RATE", "0.10"),
		envDecimal("MIN_CLUB_CAP", "10"),
	)
	if err != nil {
		slog.Error("invalid valuation parameters", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		if dir := envOr("MIGRATIONS_DIR", "migrations"); dir != "none" {
			if err := store.Migrate(pool, dir); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
			slog.Info("migrations applied", "dir", dir)
		}

		lockTimeout := time.Duration(envInt("LOCK_TIMEOUT_MS", 3000)) * time.Millisecond
		st = store.NewPostgresStore(pool, lockTimeout)
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

	// --- Position limits ---
	limiter := exposure.NewLimiter(
		envInt("MAX_SHARES_PER_CLUB", 10000),
		envDecimal("MAX_TOTAL_INVESTED", "250000"),
	)

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Services ---
	wallets := wallet.NewService(st)
	exchangeSvc := exchange.NewService(st, valuer, wallets, limiter, hub)
	settlementEng := settlement.NewEngine(st, valuer, hub)
	journal := ledger.NewJournal(st)
	leaderboard := performance.NewCalculator(st)

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

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market events.
		r.Get("/ws", hub.HandleWS)

		// Club lifecycle and valuation.
		r.Get("/clubs", exchangeSvc.ListClubs)
		r.Post("/clubs", exchangeSvc.CreateClub)
		r.Get("/clubs/{clubID}", exchangeSvc.GetClub)
		r.Get("/clubs/{clubID}/nav", exchangeSvc.GetNAV)
		r.Post("/clubs/{clubID}/adjustments", exchangeSvc.CreateAdjustment)

		// Ledger timeline and reconstruction.
		r.Get("/clubs/{clubID}/timeline", journal.GetTimeline)
		r.Get("/clubs/{clubID}/state-at", journal.GetStateAt)
		r.Get("/clubs/{clubID}/reconcile", journal.GetReconciliation)

		// Order execution and portfolios.
		r.Post("/orders", exchangeSvc.PlaceOrder)
		r.Get("/users/{userID}/orders", exchangeSvc.GetUserOrders)
		r.Get("/users/{userID}/positions", exchangeSvc.GetUserPositions)

		// Wallets.
		r.Post("/wallet/deposits", wallets.Deposit)
		r.Get("/wallet/{userID}", wallets.GetWallet)

		// Fixtures and settlement.
		r.Post("/fixtures", settlementEng.CreateFixture)
		r.Get("/fixtures/{fixtureID}", settlementEng.GetFixture)
		r.Post("/fixtures/{fixtureID}/result", settlementEng.SubmitResult)

		// Weekly performance leaderboard.
		r.Post("/leaderboard/run", leaderboard.Run)
		r.Get("/leaderboard/latest", leaderboard.GetLatest)
		r.Get("/leaderboard/{weekStart}", leaderboard.GetWeek)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", port)
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

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Error("invalid integer in environment", "key", key, "value", raw)
		os.Exit(1)
	}
	return n
}

func envDecimal(key, def string) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Error("invalid decimal in environment", "key", key, "value", raw)
		os.Exit(1)
	}
	return d
}
