package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/config"
	"github.com/kayyum-khan/integration-framework/internal/datasync"
	"github.com/kayyum-khan/integration-framework/internal/platform"
	"github.com/kayyum-khan/integration-framework/internal/registration"
	"github.com/kayyum-khan/integration-framework/internal/store"
)

const readHeaderTimeout = 10 * time.Second

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

func newPlatformClient(cfg config.Config, logger *zap.Logger) (*platform.Client, error) {
	if !cfg.PlatformEnabled() {
		return nil, errors.New("platform.url is not configured")
	}
	return platform.NewClient(platform.Options{
		BaseURL:    cfg.Platform.URL,
		OrgName:    cfg.Platform.OrgName,
		SolutionID: cfg.Platform.SolutionID,
		Username:   cfg.Platform.Username,
		Password:   cfg.Platform.Password,
		Scope:      cfg.Platform.Scope,
		Timeout:    cfg.Platform.Timeout.Duration,
		RateLimit:  cfg.Platform.RateLimit,
		RateBurst:  cfg.Platform.RateBurst,
		Logger:     logger,
	})
}

// buildStore opens the configured state backend, schemas and notification
// queue. notifier may be nil, which disables notifications.
func buildStore(cfg config.Store, notifier store.Notifier, logger *zap.Logger) (*store.Store, *store.SchemaRegistry, error) {
	backend, err := store.BuildStateBackendFromDSN(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("state backend: %w", err)
	}
	schemas, err := store.LoadSchemaDir(cfg.SchemaDir, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := store.Options{
		StateBackend:        backend,
		Schemas:             schemas,
		MaxInflightMessages: cfg.MaxInflightMessages,
		RetryAfter:          cfg.RetryAfter.Duration,
		MessageLogSize:      cfg.MessageLogSize,
		Logger:              logger,
	}
	if cfg.Notify && notifier != nil {
		queue, err := store.BuildNotificationQueueFromDSN(cfg.NotifyQueue, cfg.NotifyQueueSize)
		if err != nil {
			return nil, nil, fmt.Errorf("notification queue: %w", err)
		}
		opts.Queue = queue
		opts.Notifier = notifier
	}
	st, err := store.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return st, schemas, nil
}

// serve runs until ctx is done. ready, when set, receives the listen
// address once the server accepts connections.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, ready func(net.Addr)) error {
	var (
		client   *platform.Client
		notifier store.Notifier
		err      error
	)
	if cfg.PlatformEnabled() {
		client, err = newPlatformClient(cfg, logger)
		if err != nil {
			return err
		}
		notifier = client
	}

	st, schemas, err := buildStore(cfg.Store, notifier, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	password := cfg.Integration.Password
	var registrator *registration.Registrator
	if client != nil {
		registrator, err = registration.New(client, registration.Options{
			CallbackURL: cfg.Integration.URL,
			Password:    password,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		// A generated secret only means something once it is registered.
		if registrator.Enabled() {
			password = registrator.Password()
		}
	}
	if password == "" {
		logger.Warn("no integration password configured, inbound requests are not authenticated")
	}

	handler := datasync.NewServerWithConfig(st, datasync.ServerConfig{
		BasePath:     cfg.Server.BasePath,
		Password:     password,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("integration bridge listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("base_path", cfg.Server.BasePath))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := schemas.Watch(watchCtx); err != nil {
			logger.Warn("schema hot reload disabled", zap.Error(err))
		}
	}()

	var runErr error
	if registrator != nil {
		if err := registrator.Start(ctx); err != nil {
			runErr = fmt.Errorf("register with platform: %w", err)
		}
	}
	if runErr == nil {
		if ready != nil {
			ready(listener.Addr())
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = fmt.Errorf("serve: %w", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if registrator != nil {
		if err := registrator.Stop(shutdownCtx); err != nil {
			logger.Warn("unregister failed", zap.Error(err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return runErr
}
