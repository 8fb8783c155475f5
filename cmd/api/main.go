// Command api runs the rental broker: HTTP surface, usage meter, and expiry
// sweeper over the configured store and billing provider.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/api"
	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/config"
	"github.com/flowra/ramarket/pkg/metering"
	"github.com/flowra/ramarket/pkg/rental"
	"github.com/flowra/ramarket/pkg/store"
)

func initLogger(debug bool) {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if debug {
		c.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		c.Development = true
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	// A missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		initLogger(false)
		zap.L().Fatal("configuration", zap.Error(err))
	}
	initLogger(cfg.Debug)
	defer zap.L().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DBSource != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			zap.L().Fatal("connect postgres", zap.Error(err))
		}
		defer pg.Close()
		st = pg
		zap.L().Info("using postgres store")
	} else {
		st = store.NewMemory()
		zap.L().Warn("using in-memory store; state is lost on restart")
	}

	provider, err := billing.New(cfg)
	if err != nil {
		zap.L().Fatal("billing provider", zap.Error(err))
	}
	zap.L().Info("billing provider ready", zap.String("provider", string(cfg.BillingProvider)))

	svc := rental.NewService(st, provider, cfg)
	timeouts := cfg.Timeouts.WithDefaults()
	meter := metering.NewMeter(st, provider, cfg.MeterInterval)
	sweeper := metering.NewSweeper(st, provider, cfg.SweepInterval, timeouts.Sweep)
	go meter.Run(ctx)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(svc, sweeper, cfg).Router(),
	}
	go func() {
		zap.L().Info("http server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("stopped")
}
