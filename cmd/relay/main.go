package main

import (
	"log/slog"
	"os"

	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/ratelimit"
	"github.com/mersea/llm-relay/internal/server"
	"github.com/mersea/llm-relay/internal/store"
	"github.com/mersea/llm-relay/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("llm-relay starting", "version", version)

	st := store.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer st.Close()
	slog.Info("store ready", "backend", st.Name())

	cipher := crypto.NewCipher(cfg.EncryptionKey)

	usageLog, err := usage.OpenLog(cfg.UsageDBPath)
	if err != nil {
		slog.Error("usage log init failed", "error", err, "path", cfg.UsageDBPath)
		os.Exit(1)
	}
	defer usageLog.Close()
	slog.Info("usage log ready", "path", cfg.UsageDBPath)

	pricing, err := ratelimit.LoadPricing(cfg.PricingJSON)
	if err != nil {
		slog.Error("pricing table invalid", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, st, cipher, usageLog, pricing, logger, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
