package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bibliotec/internal/metrics"
	"bibliotec/internal/ratelimit"
	"bibliotec/internal/util"
	"bibliotec/pkg/mail"
	"bibliotec/pkg/store"
	"bibliotec/services/library/internal/app"
	"bibliotec/services/library/internal/config"
	"bibliotec/services/library/internal/security"
	"bibliotec/services/library/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("library server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		return err
	}
	mailTimeout, err := config.ParseDuration("mailTimeout", cfg.MailTimeout)
	if err != nil {
		return err
	}

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		dataStore = gormStore
	} else {
		slog.Warn("databaseURL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}
	defer dataStore.Close()

	var (
		revoker         store.TokenRevoker = store.NewMemoryTokenRevoker()
		registerLimiter ratelimit.Limiter
		loginLimiter    ratelimit.Limiter
		alerter         *security.AuditAlerter
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		revoker = store.NewRedisTokenRevoker(client, sessionTTL)
		if alerter, err = security.NewAuditAlerter(client, "bibliotec:alerts"); err != nil {
			return fmt.Errorf("init audit alerter: %w", err)
		}
		if cfg.RegisterRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "bibliotec:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init register limiter: %w", err)
			}
			registerLimiter = limiter
		}
		if cfg.LoginRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "bibliotec:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init login limiter: %w", err)
			}
			loginLimiter = limiter
		}
	} else {
		slog.Warn("redisAddr not set, session revocation is process local")
	}

	sessions, err := store.NewJWTSessionStore(cfg.SessionSecret, sessionTTL, revoker, store.JWTOptions{})
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}

	mailCfg := mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Secure:   cfg.SMTPSecure,
		Username: cfg.MailUsername,
		Password: cfg.MailPassword,
		From:     cfg.MailFrom,
		Timeout:  mailTimeout,
	}
	var mailOpts []mail.Option
	if cfg.SMTPHost == "" {
		slog.Warn("smtpHost not set, confirmation emails are logged instead of sent")
		mailOpts = append(mailOpts, mail.WithTransport(mail.LogTransport{}))
	}
	dispatcher, err := mail.NewDispatcher(mailCfg, mailOpts...)
	if err != nil {
		return fmt.Errorf("init mail: %w", err)
	}

	m := metrics.New()
	appCore, err := app.New(app.Config{
		AppURL:      cfg.AppURL,
		MailSubject: cfg.MailSubject,
		BcryptCost:  cfg.BcryptCost,
		Store:       dataStore,
		Sessions:    sessions,
		Notifier:    dispatcher,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	if err := appCore.PromoteAdmins(ctx, cfg.AdminEmails); err != nil {
		return fmt.Errorf("promote admins: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trustedProxies: %w", err)
	}
	httpServer, err := server.New(server.Config{
		App:             appCore,
		Health:          dataStore,
		Metrics:         m,
		AppVersion:      cfg.AppVersion,
		SessionTTL:      sessionTTL,
		CookieSecure:    cfg.CookieSecure,
		RegisterLimiter: registerLimiter,
		LoginLimiter:    loginLimiter,
		TrustedProxies:  trusted,
		Alerter:         alerter,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("library server listening", "addr", addr, "version", cfg.AppVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("library server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
