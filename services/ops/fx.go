package ops

import (
	"context"
	"errors"
	"net/http"

	"tradecore-settlement/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ops",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(registerServer),
)

func registerServer(lc fx.Lifecycle, cfg *config.Config, h *Handler) {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	h.Register(engine)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				zap.L().Info("[HTTP] ops server listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("[HTTP] ops server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[HTTP] shutting down ops server...")
			return server.Shutdown(ctx)
		},
	})
}
