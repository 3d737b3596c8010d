// Command vaultshift migrates Maker vaults into Liquity troves. It runs as an
// HTTP/WebSocket service, as a one-shot migration against simulated ledgers,
// or as a read-only quote against a live chain.
//
// Usage:
//
//	vaultshift -config config.toml [-mode server|simulate|quote]
//	vaultshift -config config.toml -seal-key operator.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/vaultshift/internal/app"
	"github.com/alanyoungcy/vaultshift/internal/config"
	"github.com/alanyoungcy/vaultshift/internal/crypto"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "TOML configuration file; empty for defaults and environment only")
	mode := flag.String("mode", "", "run mode, overriding the configuration: server, simulate or quote")
	sealOut := flag.String("seal-key", "", "write operator.private_key sealed with operator.key_password to this file and exit")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("cannot load configuration", slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}
	level.Set(parseLevel(cfg.LogLevel))

	if *sealOut != "" {
		if err := sealKey(cfg, *sealOut); err != nil {
			logger.Error("cannot seal operator key", slog.String("error", err.Error()))
			return 1
		}
		logger.Info("operator key sealed", slog.String("path", *sealOut))
		return 0
	}

	if *mode != "" {
		cfg.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("vaultshift starting",
		slog.String("mode", cfg.Mode),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	err = a.Run(ctx)
	a.Close()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("vaultshift stopped")
		return 0
	default:
		logger.Error("vaultshift failed", slog.String("error", err.Error()))
		return 1
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// sealKey encrypts the raw operator key so deployments can set key_file
// and drop private_key.
func sealKey(cfg *config.Config, out string) error {
	if cfg.Operator.PrivateKey == "" {
		return errors.New("operator.private_key (or VAULTSHIFT_OPERATOR_PRIVATE_KEY) is not set")
	}
	key, err := crypto.ParseKey(cfg.Operator.PrivateKey)
	if err != nil {
		return err
	}
	blob, err := crypto.SealKey(key, cfg.Operator.KeyPassword)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", out, err)
	}
	return f.Close()
}
