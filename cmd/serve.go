package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bps-classifier/internal/config"
	"github.com/example/bps-classifier/internal/grpcserver"
	"github.com/example/bps-classifier/internal/handlers"
	"github.com/example/bps-classifier/internal/repository"
	"github.com/example/bps-classifier/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the model and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	stack, err := newClassifierStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("failed to release classifier", zap.Error(err))
		}
	}()

	// The model is loaded before any listener opens: a failed load aborts startup.
	if err := stack.service.Load(ctx); err != nil {
		logger.Error("model load failed", zap.Error(err))
		return err
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := initRedis(redisCtx, cfg.Redis)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, prediction cache disabled", zap.Error(err))
		} else {
			defer client.Close()
			cache = usecase.NewRedisCache(client)
		}
	}

	var repo usecase.PredictionRepository
	if cfg.Database.DSN != "" {
		predictionRepo, closeDB, err := initPredictionLog(ctx, postgres.Open(cfg.Database.DSN), logger)
		if err != nil {
			logger.Warn("database unavailable, prediction log disabled", zap.Error(err))
		} else {
			defer closeDB()
			repo = predictionRepo
		}
	}

	uc := usecase.NewPredictionUseCase(stack.service, cache, repo, cfg.Redis.TTL, logger)

	if cfg.Server.GRPCPort != 0 {
		hs := grpcserver.NewHealthServer(stack.service, logger)
		hs.Sync()
		go func() {
			if err := hs.ListenAndServe(cfg.Server.GRPCPort); err != nil {
				logger.Error("grpc health server failed", zap.Error(err))
			}
		}()
		defer hs.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, handlers.Options{Version: Version, Logger: logger})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("classifier API listening",
		zap.String("addr", addr),
		zap.String("model_version", cfg.Model.Version),
		zap.Float64("confidence_threshold", cfg.Model.Threshold()),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// initPredictionLog connects and migrates the audit log. Any failure leaves
// the connection closed so the caller can continue without it.
func initPredictionLog(ctx context.Context, dialector gorm.Dialector, logger *zap.Logger) (*repository.PredictionRepository, func(), error) {
	dbCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(dbCtx, dialector)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	predictionRepo := repository.NewPredictionRepository(db, logger)
	if err := predictionRepo.AutoMigrate(dbCtx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("auto migrate failed: %w", err)
	}
	return predictionRepo, closeDB, nil
}

func initDatabase(ctx context.Context, dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests within shutdownTimeout. A nil
// signalCh subscribes to SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
