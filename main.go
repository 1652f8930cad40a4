package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kendall-kelly/support-relay-api/config"
	"github.com/kendall-kelly/support-relay-api/gateway"
	"github.com/kendall-kelly/support-relay-api/metrics"
	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/services"
	"github.com/kendall-kelly/support-relay-api/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
}

// run wires the relay and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Support Relay API server...",
		zap.String("env", cfg.GoEnv),
		zap.String("store", cfg.StoreDriver),
	)

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.NewRegistry())
	rooms := registry.New(logger.Named("registry"), m)

	var archive services.TranscriptArchive = services.NoopTranscriptArchive{}
	if cfg.ArchiveEnabled() {
		s3Archive, err := services.NewS3TranscriptArchive(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up transcript archive: %w", err)
		}
		archive = s3Archive
		logger.Info("Transcript archive enabled", zap.String("bucket", cfg.TranscriptBucket))
	}

	relay := services.NewRelayService(st, rooms, services.RelayOptions{
		Archive: archive,
		Logger:  logger.Named("relay"),
		Metrics: m,
	})

	gw := gateway.New(st, rooms, logger.Named("gateway"), m, gateway.Options{
		QueueSize:          cfg.WSQueueSize,
		WriteTimeout:       cfg.WSWriteTimeout,
		ReadTimeout:        cfg.WSReadTimeout,
		MaxFrameBytes:      cfg.WSMaxFrameBytes,
		MaxFramesPerSecond: cfg.WSMaxFramesPerSecond,
		AllowedOrigins:     cfg.WSAllowedOrigins,
	})

	auth, err := middleware.EnsureValidToken(cfg, logger.Named("auth"))
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.SendRate, cfg.SendBurst, m)
	limiter.StartCleanup(time.Minute)
	defer limiter.Stop()

	var userInfo services.UserInfoProvider
	if cfg.UsesAuth0() {
		userInfo = services.NewAuth0Service(cfg.Auth0Domain, logger.Named("auth0"))
	}

	router := setupRouter(Dependencies{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		DB:       db,
		Relay:    relay,
		Gateway:  gw,
		Metrics:  m,
		Limiter:  limiter,
		Auth:     auth,
		UserInfo: userInfo,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server is listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server, so the
	// gateway closes them itself.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Live sessions did not close in time", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// openStore connects the configured backend. The gorm handle is nil for
// Mongo, which has no profile table.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, *gorm.DB, error) {
	if cfg.StoreDriver == config.DriverMongo {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		st, err := store.ConnectMongo(connectCtx, cfg.MongoURI, cfg.MongoDatabase, logger.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureIndexes(connectCtx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return st, nil, nil
	}

	db, err := config.OpenDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	st := store.NewGormStore(db, logger.Named("store"))
	if err := st.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate users: %w", err)
	}
	logger.Info("Database migration completed successfully")
	return st, db, nil
}
