package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/internal/config"
	"github.com/woxQAQ/wbridge/internal/server"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	bindingDir := flag.String("binding", "", "Load a single binding directory instead of the configured paths")
	bindingName := flag.String("name", "", "Binding to run (default: the first one declaring the entry point)")
	entry := flag.String("entry", "", "Entry point to call")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting wbridge",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	if *entry == "" {
		logger.Fatal("No entry point given, use -entry")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	defer srv.Close(context.Background())

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if *bindingDir != "" {
		b, err := srv.LoadBinding(ctx, *bindingDir)
		if err != nil {
			logger.Fatal("Failed to load binding", zap.String("dir", *bindingDir), zap.Error(err))
		}
		if *bindingName == "" {
			*bindingName = b.Name()
		}
	} else if err := srv.LoadBindings(ctx); err != nil {
		logger.Error("Some bindings failed to load", zap.Error(err))
	}

	result, err := srv.Run(ctx, *bindingName, *entry, flag.Args()...)
	if err != nil {
		logger.Error("Entry point failed", zap.String("entry", *entry), zap.Error(err))
		srv.Close(context.Background())
		logger.Sync()
		os.Exit(1)
	}

	if result != nil {
		fmt.Println(bridge.DebugString(result))
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		if lvl, parseErr := zap.ParseAtomicLevel(level); parseErr == nil {
			cfg.Level = lvl
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
