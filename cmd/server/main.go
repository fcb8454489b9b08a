// Package main is the entry point for the RL trader fleet service: the
// multi-trader scheduler, the PPO trainer with its agent registry, and the
// operational control API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/rl-trader/internal/api"
	"github.com/atlas-desktop/rl-trader/internal/config"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/internal/scheduler"
	"github.com/atlas-desktop/rl-trader/internal/workers"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

func main() {
	host := flag.String("host", "0.0.0.0", "Server host")
	port := flag.Int("port", 8080, "Server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	// A local .env is optional; the environment always wins.
	_ = godotenv.Load()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	settings, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}

	logger.Info("Starting RL trader service",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("modelDir", settings.ModelDir),
		zap.String("backendURL", settings.BackendURL),
		zap.String("device", settings.Device()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentRegistry, err := registry.New(logger, settings.ModelDir, settings.CheckpointDir)
	if err != nil {
		logger.Fatal("Failed to initialise agent registry", zap.Error(err))
	}
	logger.Info("Agent registry loaded", zap.Int("agents", len(agentRegistry.List())))

	trainer := policy.NewTrainer(logger, settings, agentRegistry)

	trainingPool := workers.NewPool(logger, workers.DefaultPoolConfig("training"))
	trainingPool.Start(ctx)

	traderScheduler := scheduler.New(logger, settings, trainer, trainingPool)
	traderScheduler.Bind(ctx)

	server := api.NewServer(logger, api.ServerConfig{Host: *host, Port: *port},
		agentRegistry, trainer, traderScheduler)

	// Live decision stream for connected clients.
	traderScheduler.OnDecision(func(traderID int, decision *types.Decision) {
		server.Hub().Broadcast(api.MsgTypeDecision, map[string]any{
			"trader_id": traderID,
			"decision":  decision,
		})
	})

	// Traders marked running on the backend resume after a short delay.
	go traderScheduler.ResumeRunningTraders(ctx)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Control API error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	traderScheduler.StopAll()
	trainingPool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
