package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/opsdesk/opsdesk/pkg/api"
	"github.com/opsdesk/opsdesk/pkg/audit"
	"github.com/opsdesk/opsdesk/pkg/config"
	"github.com/opsdesk/opsdesk/pkg/observability"
	"github.com/opsdesk/opsdesk/pkg/rbac"
	"github.com/opsdesk/opsdesk/pkg/session"
	"github.com/opsdesk/opsdesk/pkg/tickets"
)

var (
	migrateOnly = flag.Bool("migrate-only", false, "Run database migrations and exit")
	seedAdmin   = flag.String("seed-admin", "", "Create an admin user with this email if it does not exist (password read from OPSDESK_SEED_ADMIN_PASSWORD)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsdesk: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := rbac.RunMigrations(ctx, db, tickets.Migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	if *migrateOnly {
		return nil
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	var redisClient *redis.Client
	var scopeCache rbac.ScopeCache
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Scope resolution falls back to direct computation, so a
			// missing cache is not fatal.
			logger.WithError(err).Warn("redis unreachable, continuing without it")
			redisClient.Close()
			redisClient = nil
		}
	}
	if redisClient != nil {
		scopeCache = rbac.NewRedisScopeCache(redisClient, cfg.RBAC.ScopeCacheTTL)
		logger.Info("scope cache backed by redis")
	} else {
		scopeCache = rbac.NewMemoryScopeCache(cfg.RBAC.ScopeCacheSize, cfg.RBAC.ScopeCacheTTL)
		logger.Info("scope cache backed by in-process LRU")
	}

	directory := rbac.NewDirectory(db)
	scopes := rbac.NewScopeResolver(directory, scopeCache, metrics, cfg.RBAC.MaxLedTeams)
	grants := rbac.DefaultGrants()
	checker := rbac.NewChecker(directory, grants, scopes, metrics)

	auditor, err := audit.NewDBLogger(db, metrics)
	if err != nil {
		return fmt.Errorf("initialize audit logger: %w", err)
	}
	defer auditor.Close()

	if *seedAdmin != "" {
		if err := ensureAdmin(ctx, directory, *seedAdmin); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	policy := audit.RetentionPolicy{
		RetentionDays: cfg.Audit.RetentionDays,
		ArchivePath:   cfg.Audit.ArchivePath,
	}
	retention, err := audit.NewRetentionScheduler(auditor, policy, cfg.Audit.CleanupSchedule, logger)
	if err != nil {
		return fmt.Errorf("initialize retention scheduler: %w", err)
	}
	retention.Start()
	defer retention.Stop()

	sessions := session.NewManager(cfg.Server.JWTSecret, cfg.Server.SessionExpiry)

	server := api.NewServer(cfg, api.Dependencies{
		Directory:   directory,
		Scopes:      scopes,
		Checker:     checker,
		Grants:      grants,
		TicketStore: tickets.NewStore(db),
		AuditStore:  auditor,
		Auditor:     auditor,
		Sessions:    sessions,
		Metrics:     metrics,
		Logger:      logger,
	})

	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("port", cfg.Server.Port).Info("api server listening")
		return server.Start()
	})

	if metrics != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					metrics.SetDBStats(db.Stats())
				}
			}
		})
	}

	g.Go(func() error {
		logger.WithField("port", cfg.Server.HealthPort).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// ensureAdmin creates an initial admin account so a fresh deployment has a
// way in. The password comes from the environment rather than a flag to
// keep it out of process listings.
func ensureAdmin(ctx context.Context, directory *rbac.Directory, email string) error {
	password := os.Getenv("OPSDESK_SEED_ADMIN_PASSWORD")
	if password == "" {
		return fmt.Errorf("OPSDESK_SEED_ADMIN_PASSWORD is required with --seed-admin")
	}

	if _, err := directory.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if err != rbac.ErrNotFound {
		return err
	}

	user, err := directory.CreateUser(ctx, email, "Administrator", rbac.RoleAdmin, nil)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return directory.SetPassword(ctx, user.ID, string(hash))
}
