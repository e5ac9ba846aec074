package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/broadcast"
	"github.com/MarcoPoloResearchLab/timberline/internal/config"
	"github.com/MarcoPoloResearchLab/timberline/internal/server"
	"github.com/MarcoPoloResearchLab/timberline/internal/session"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	rt, err := openRuntime(appConfig)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	gate, err := auth.NewGate(auth.GateConfig{
		Issuer:          rt.issuer,
		Directory:       rt.directory,
		Revocations:     rt.keys,
		AllowLegacyKeys: appConfig.AllowLegacyKeys,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		BufferSize: appConfig.SendBuffer,
		Logger:     logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: gate,
		Repositories:  rt.directory,
		Broadcaster:   broadcaster,
		KeyUsage:      rt.keys,
		Session: session.Config{
			AuthTimeout:       appConfig.AuthTimeout,
			HeartbeatInterval: appConfig.HeartbeatInterval,
			IdleTimeout:       appConfig.IdleTimeout,
			WriteTimeout:      appConfig.WriteTimeout,
			PageSize:          appConfig.PageSize,
		},
		AllowedOrigins:  appConfig.AllowedOrigins,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_dir", appConfig.DatabaseDir))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		broadcaster.Close()
		return err
	}
}
