package main

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/mutker/nvfanctl/internal/config"
	"codeberg.org/mutker/nvfanctl/internal/curve"
	"codeberg.org/mutker/nvfanctl/internal/daemon"
	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/gpu"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"codeberg.org/mutker/nvfanctl/internal/pid"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		for _, hint := range curve.Advice(err) {
			fmt.Fprintf(os.Stderr, "  - %s\n", hint)
		}
		return 1
	}

	level, _ := logger.ParseLevel(string(cfg.LogLevel))
	logger.Init(level, logger.IsService())
	if cfg.File != "" {
		logger.Info().Str("file", cfg.File).Msg("Config loaded")
	} else {
		logger.Info().Msg("No config file found, using defaults")
	}

	pidFile := pid.New(cfg.PIDFile)
	if err := pidFile.Acquire(); err != nil {
		logger.FatalWithCode(err).Str("pid_file", pidFile.Path()).Msg("Failed to acquire PID file")
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	device, err := gpu.Open(gpu.Config{Index: cfg.Device, IOTimeout: cfg.IOTimeout}, logger.New("gpu"))
	if err != nil {
		logger.ErrorWithCode(err).Int("device", cfg.Device).Msg("Failed to initialize GPU")
		return 1
	}
	defer func() {
		if err := device.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down NVML")
		}
	}()

	d, err := daemon.New(cfg, device)
	if err != nil {
		logger.ErrorWithCode(err).Msg("Failed to start daemon")
		return 1
	}

	if err := d.Run(context.Background()); err != nil {
		logger.ErrorWithCode(err).Msg("Daemon stopped with error")
		return 1
	}

	logger.Info().Msg("Exiting...")
	return 0
}
