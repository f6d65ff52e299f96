package main

import (
	"fmt"
	"os"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/logger"
)

// initLoggerFromCLI installs the process logger before any command runs.
// CLI flags win over environment variables; LoggerConfig.SetDefaults
// supplies the env fallbacks (LOG_LEVEL, LOG_FILE, LOG_FORMAT) and the
// defaults.
func initLoggerFromCLI(cliLevel, cliFile, cliFormat string) (func(), error) {
	cfg := config.LoggerConfig{
		Level:  cliLevel,
		File:   cliFile,
		Format: cliFormat,
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if cfg.File != "" {
		file, closeFn, err := logger.OpenLogFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, cfg.Format)
	return cleanup, nil
}
