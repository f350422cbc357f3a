// Package main is the in-sandbox entry point: it prepares the workspace,
// starts the coding agent, and bridges agent events to the control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/internal/sandbox/supervisor"
)

func main() {
	env := supervisor.EnvFromProcess()

	log, err := logger.New(logger.Config{
		Level:  envOrDefault("LOG_LEVEL", "info"),
		Format: envOrDefault("LOG_FORMAT", "json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if env.SandboxID != "" {
		log = log.WithSandboxID(env.SandboxID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	s := supervisor.New(env, log)
	log.Info("Starting sandbox supervisor", zap.String("boot_mode", string(s.Mode())))

	if err := s.Run(ctx); err != nil {
		log.Error("Supervisor exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Sandbox supervisor stopped")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
