package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/server"
)

// Validator binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// validatorMain is the true entry point. This function is required since
// defers created in the top-level scope of a main method aren't executed if
// os.Exit() is called.
func validatorMain() error {
	var err error
	cfg := server.DefaultConfig()
	// Pre-parse the command line to check for an alternative config file.
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}
	cfg, err = server.ReadConfigFile(cfg)
	if err != nil {
		return err
	}
	cfg, err = server.SetupConfig(cfg)
	if err != nil {
		return err
	}
	// Finally, parse the command line again to ensure flags take precedence.
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}

	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(
		logLevel,
		filepath.Join(cfg.LogDir, "powsubnet.log"),
		cfg.JSONLog,
		logging.WithRotation(cfg.MaxLogFileSize, cfg.MaxLogFiles),
	)
	ctx := logging.NewContext(context.Background(), logger)
	defer func() {
		logger.Info("shutdown complete")
	}()

	logger.Sugar().Infof("version: %s, dir: %v, datadir: %v, dbdir: %v", version, cfg.Dir, cfg.DataDir, cfg.DbDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("failed to close server", zap.Error(err))
		}
	}()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := validatorMain(); err != nil {
		// The flags package already printed its own errors.
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
