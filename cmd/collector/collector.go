package main

import (
	"context"

	"emporia-collector/internal/auth"
	"emporia-collector/internal/config"
	"emporia-collector/internal/emporia"
	"emporia-collector/internal/mq"
	"emporia-collector/internal/reconcile"
	"emporia-collector/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// runCollector logs in, runs one collection pass, and shuts the app down
// with a non-zero exit code when any window failed
func runCollector(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	authClient *auth.Client,
	coordinator *reconcile.Coordinator,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				ctx := context.Background()
				exitCode := 0

				if err := authClient.Login(ctx, cfg.Emporia.Username, cfg.Emporia.Password); err != nil {
					logger.Error("login failed, aborting run", zap.Error(err))
					exitCode = 1
				} else {
					report := coordinator.Run(ctx)
					if report.Failed() {
						exitCode = 1
					}
				}

				if err := shutdowner.Shutdown(fx.ExitCode(exitCode)); err != nil {
					logger.Error("failed to shut down", zap.Error(err))
				}
			}()
			return nil
		},
	})
}

// ProvideAuthClient creates the Cognito token lifecycle client
func ProvideAuthClient(cfg *config.Config, logger *zap.Logger) *auth.Client {
	return auth.NewClient(cfg.Emporia.ClientID, logger)
}

// ProvideSession creates the Emporia API session
func ProvideSession(authClient *auth.Client, cfg *config.Config, logger *zap.Logger) *emporia.Session {
	return emporia.NewSession(authClient, cfg.Emporia, logger)
}

// ProvideStoreClient creates the local usage store client
func ProvideStoreClient(cfg *config.Config, logger *zap.Logger) *store.Client {
	return store.NewClient(cfg.Store.BaseURL, logger)
}

// ProvideEventPublisher creates the window event publisher, or a no-op one
// when no broker is configured
func ProvideEventPublisher(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (reconcile.EventPublisher, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("no RABBITMQ_URL configured, window events disabled")
		return mq.NopPublisher{}, nil
	}
	return mq.NewPublisher(lc, cfg.RabbitMQ.URL, cfg.RabbitMQ.EventExchange, cfg.RabbitMQ.RoutingKey, logger)
}

// ProvideEngine creates the reconciliation engine
func ProvideEngine(session *emporia.Session, storeClient *store.Client, logger *zap.Logger) *reconcile.Engine {
	return reconcile.NewEngine(session, storeClient, logger)
}

// ProvideCoordinator creates the run coordinator
func ProvideCoordinator(engine *reconcile.Engine, publisher reconcile.EventPublisher, logger *zap.Logger) *reconcile.Coordinator {
	return reconcile.NewCoordinator(engine, publisher, logger)
}
