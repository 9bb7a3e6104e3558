// Command caselined runs the Caseline write-safety core: the HTTP API,
// the park sweeper, and the idempotency eviction loop.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Caseline-Labs/caseline/core/pkg/api"
	"github.com/Caseline-Labs/caseline/core/pkg/audit"
	"github.com/Caseline-Labs/caseline/core/pkg/breaker"
	"github.com/Caseline-Labs/caseline/core/pkg/config"
	"github.com/Caseline-Labs/caseline/core/pkg/docstore"
	"github.com/Caseline-Labs/caseline/core/pkg/entitylock"
	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/idempotency"
	"github.com/Caseline-Labs/caseline/core/pkg/lifecycle"
	"github.com/Caseline-Labs/caseline/core/pkg/observability"
	"github.com/Caseline-Labs/caseline/core/pkg/sequence"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		logger.Warn("observability disabled", "error", err)
	}

	// Storage. Without DATABASE_URL the daemon runs in lite mode: memory
	// stores plus a SQLite audit log, enough for local development.
	var (
		db          *sql.DB
		runner      *txn.Runner
		auditor     audit.Appender
		entityStore lifecycle.EntityStore
		lockStore   entitylock.Store
		counter     sequence.Counter
		idemStore   idempotency.Store
	)

	if cfg.DatabaseURL != "" && !liteMode() {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		logger.Info("postgres connected")

		runner = txn.NewRunner(db)

		pl := audit.NewPostgresLog()
		es := lifecycle.NewPostgresEntityStore(db)
		ls := entitylock.NewPostgresStore(db)
		pc := sequence.NewPostgresCounter()
		is := idempotency.NewPostgresStore(db)
		if err := pl.Init(ctx, db); err != nil {
			log.Fatalf("audit schema: %v", err)
		}
		if err := es.Init(ctx); err != nil {
			log.Fatalf("entity schema: %v", err)
		}
		if err := ls.Init(ctx); err != nil {
			log.Fatalf("lock schema: %v", err)
		}
		if err := pc.Init(ctx, db); err != nil {
			log.Fatalf("sequence schema: %v", err)
		}
		if err := is.Init(ctx); err != nil {
			log.Fatalf("idempotency schema: %v", err)
		}
		auditor, entityStore, lockStore, counter, idemStore = pl, es, ls, pc, is
	} else {
		logger.Info("lite mode: in-memory stores with sqlite audit log")
		sqliteDB, err := sql.Open("sqlite", "file:caseline.db?_pragma=journal_mode(WAL)")
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		db = sqliteDB
		runner = txn.NewRunner(sqliteDB)
		auditor, err = audit.NewSQLiteLog(sqliteDB)
		if err != nil {
			log.Fatalf("sqlite audit log: %v", err)
		}
		entityStore = lifecycle.NewMemoryEntityStore()
		lockStore = entitylock.NewMemoryStore()
		counter = sequence.NewMemoryCounter()
		ms := idempotency.NewMemoryStore()
		defer ms.Close()
		idemStore = ms
	}

	// Redis, when configured, replaces the SQL-backed lock and counter
	// stores for lower contention under load.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr)
		lockStore = entitylock.NewRedisStore(rdb)
		counter = sequence.NewRedisCounter(rdb)
		defer rdb.Close()
	}

	// Lifecycle definition, built in or loaded from YAML.
	def := lifecycle.CaseDefinition()
	if cfg.LifecycleDefinition != "" {
		def, err = lifecycle.LoadDefinition(cfg.LifecycleDefinition)
		if err != nil {
			log.Fatalf("lifecycle definition %s: %v", cfg.LifecycleDefinition, err)
		}
	}

	breakerOpts := []breaker.Option{}
	if obs != nil {
		breakerOpts = append(breakerOpts, breaker.OnTransition(func(name string, from, to breaker.State) {
			obs.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		}))
	}
	breakers := breaker.NewRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown, breakerOpts...)

	lockOpts := []entitylock.Option{entitylock.WithTimeout(cfg.LockInactivityTimeout)}
	coordOpts := []idempotency.Option{idempotency.WithRetention(cfg.IdempotencyRetention)}
	if obs != nil {
		lockOpts = append(lockOpts, entitylock.WithMetrics(obs))
		coordOpts = append(coordOpts, idempotency.WithMetrics(obs))
		counter = sequence.Instrument(counter, obs)
	}

	machine := lifecycle.NewMachine(def, entityStore, auditor)
	locks := entitylock.NewManager(lockStore, auditor, lockOpts...)
	coord := idempotency.NewCoordinator(idemStore, coordOpts...)

	var docs *docstore.S3Store
	if cfg.DocstoreBucket != "" {
		docs, err = docstore.NewS3Store(ctx, docstore.S3Config{
			Bucket:   cfg.DocstoreBucket,
			Region:   cfg.DocstoreRegion,
			Endpoint: cfg.DocstoreEndpoint,
		}, breakers.Get(docstore.DependencyName))
		if err != nil {
			log.Fatalf("docstore: %v", err)
		}
	}

	// Auth. The HMAC secret comes from the environment; without it the
	// middleware fails closed and every request is rejected.
	var validator *identity.JWTValidator
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		key := []byte(secret)
		validator = identity.NewJWTValidator(func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
	} else {
		logger.Warn("JWT_SECRET not set, all authenticated endpoints will reject")
	}

	server := api.NewServer(machine, locks, counter)
	if docs != nil {
		server.WithDocstore(docs)
	}
	mux := http.NewServeMux()
	server.Routes(mux)

	var handler http.Handler = mux
	handler = txn.Middleware(runner)(handler)
	handler = idempotency.Middleware(coord)(handler)
	handler = identity.Middleware(validator)(handler)
	handler = identity.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := lifecycle.NewSweeper(machine, runner, lifecycle.WithInterval(cfg.SweepInterval))
	go sweeper.Run(runCtx)

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := coord.Sweep(runCtx); err != nil {
					logger.Warn("idempotency sweep failed", "error", err)
				} else if n > 0 {
					logger.Debug("idempotency sweep", "evicted", n)
				}
			}
		}
	}()

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}
	if db != nil {
		_ = db.Close()
	}
}

func liteMode() bool {
	return strings.EqualFold(os.Getenv("CASELINE_LITE"), "true") || os.Getenv("CASELINE_LITE") == "1"
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
