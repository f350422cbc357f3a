// Package main is the entry point for the build worker service: the repo
// image Build API plus the periodic rebuild reconciler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openinspect/openinspect/internal/auth"
	"github.com/openinspect/openinspect/internal/common/config"
	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/internal/common/tracing"
	"github.com/openinspect/openinspect/internal/controlplane"
	"github.com/openinspect/openinspect/internal/events/bus"
	"github.com/openinspect/openinspect/internal/githubapp"
	"github.com/openinspect/openinspect/internal/imagebuild"
	"github.com/openinspect/openinspect/internal/sandbox/provider"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting build worker service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Internal auth context (shared secret with the control plane)
	authCtx, err := auth.NewContextFromEnv()
	if err != nil {
		log.Fatal("Failed to initialize internal auth", zap.Error(err))
	}

	// 4. Sandbox provider
	dockerProvider, err := provider.NewDockerProvider(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create docker provider", zap.Error(err))
	}

	// 5. Event bus (in-memory unless NATS is configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 6. Control-plane client and GitHub App token source
	cpClient := controlplane.NewClient(cfg.ControlPlane.URL, authCtx, log)
	tokens, err := githubapp.NewFromEnv(log)
	if err != nil {
		log.Fatal("Failed to initialize GitHub App credentials", zap.Error(err))
	}

	// 7. Build pipeline
	allowed := cfg.ControlPlane.AllowedCallbackURLs
	if len(allowed) == 0 && cfg.ControlPlane.URL != "" {
		allowed = []string{cfg.ControlPlane.URL}
	}
	builder := imagebuild.NewBuilder(dockerProvider, cpClient, tokens, eventBus, allowed,
		cfg.Builder.SCMProvider, log)
	api := imagebuild.NewAPI(builder, authCtx,
		time.Duration(cfg.Builder.SandboxTimeout)*time.Second, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Build API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 8. Reconciler
	if cfg.Reconciler.Enabled {
		reconciler := imagebuild.NewReconciler(cpClient, tokens, eventBus,
			cfg.Reconciler, cfg.ControlPlane.URL, log)
		g.Go(func() error {
			if err := reconciler.Run(gctx); err != nil && err != context.Canceled {
				return fmt.Errorf("reconciler: %w", err)
			}
			return nil
		})
	} else {
		log.Info("Reconciler disabled")
	}

	// 9. Wait for shutdown signal
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Service exited with error", zap.Error(err))
	}

	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}
	log.Info("Build worker stopped")
}
