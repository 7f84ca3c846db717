package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"raygate/internal/catalog"
	"raygate/internal/config"
	"raygate/internal/dispatch"
	"raygate/internal/metrics"
	"raygate/internal/provider/factory"
	"raygate/internal/proxy"
	"raygate/internal/rewrite"
	"raygate/internal/server"
	"raygate/internal/session"
)

const serveUsage = `Usage:
  raygate serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; environment
                    variables alone are enough to run)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	// A .env beside the binary is the common deployment shape; a missing
	// file is not an error.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	backend, providerID, err := factory.ActiveBackend(cfg)
	if err != nil {
		return err
	}
	slog.Info("backend activated", "provider", providerID)

	cat, err := catalog.New(providerID)
	if err != nil {
		return err
	}

	store := session.NewStore()
	gate := session.NewGate(store, cfg.Auth.AllowedUsers)

	gauges := metrics.New(store.Len)

	disp := dispatch.New(cat, backend, providerID, dispatch.Options{
		ForceModel:  cfg.Chat.ForceModel,
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: cfg.Chat.Temperature,
	}, gauges)

	upstream := proxy.New(factory.NewProxyClient(), cfg.Upstream.BaseURL)
	defer upstream.Close()

	rewriter := rewrite.New(cat, store)

	srv, err := server.New(cfg, server.Deps{
		Dispatcher: disp,
		Gate:       gate,
		Proxy:      upstream,
		Rewriter:   rewriter,
		Metrics:    gauges,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
