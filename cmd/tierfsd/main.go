// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/surfergrl888/storage/fsbridge"
	"github.com/surfergrl888/storage/lifecycle"
	"github.com/surfergrl888/storage/tierfsconfig"
	"github.com/surfergrl888/storage/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		mountpoint  string
		dumpState   bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the tierfsd config file (overrides TIERFS_CONFIG)")
	flag.StringVar(&mountpoint, "mountpoint", "", "FUSE mount directory (required)")
	flag.BoolVar(&dumpState, "dump-state", false, "print a CBOR-encoded diagnostic snapshot to stdout and exit")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tierfsd %s\n", version.Info())
		return nil
	}

	logger := newLogger()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	core, err := lifecycle.Init(cfg)
	if err != nil {
		return fmt.Errorf("initializing core: %w", err)
	}

	if dumpState {
		data, err := core.DumpState()
		if err != nil {
			return fmt.Errorf("dumping state: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	if mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fuseServer, err := fsbridge.Mount(fsbridge.Options{
		Mountpoint: mountpoint,
		Core:       core,
		AllowOther: true,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting FUSE filesystem: %w", err)
	}

	logger.Info("tierfsd running",
		"mountpoint", mountpoint,
		"ssd_path", cfg.SSDPath,
		"object_store", cfg.ObjectStoreURL,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := fuseServer.Unmount(); err != nil {
		logger.Error("failed to unmount FUSE filesystem", "error", err)
	}

	return core.Shutdown()
}

func loadConfig(explicitPath string) (*tierfsconfig.Config, error) {
	if explicitPath != "" {
		return tierfsconfig.LoadFile(explicitPath)
	}
	return tierfsconfig.Load()
}

// newLogger creates the daemon's standard logger: a JSON handler
// writing to stderr at Info level, also installed as slog's default so
// library code using the package-level slog functions shares it.
func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}
