package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rewrite0/internal/config"
	"rewrite0/internal/server"
)

type overrideFlags map[string]string

func (o overrideFlags) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (o overrideFlags) Set(arg string) error {
	name, value, err := config.ParseOverride(arg)
	if err != nil {
		return err
	}
	o[name] = value
	return nil
}

func main() {
	var configPath string
	overrides := overrideFlags{}
	flag.StringVar(&configPath, "config", getenvDefault("REWRITE0_CONFIG", "/rewrite0.yaml"), "path to rewrite0.yaml")
	flag.Var(overrides, "set", "override a config option, e.g. -set rewrite.deadline=20ms (repeatable; options: "+strings.Join(config.OptionNames(), ", ")+")")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	if len(overrides) > 0 {
		if cfg, err = cfg.ApplyOverrides(overrides); err != nil {
			logger.Fatal().Err(err).Msg("apply overrides")
		}
	}
	logger = logger.Level(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init engine")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error().Err(err).Msg("close storage")
		}
	}()

	svc := server.New(cfg, stack, logger)
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("listen")
		return
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("rewrite0 listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
