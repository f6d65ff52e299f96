package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nestor-ai/nestor/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format string `short:"f" help:"Output format: compact, json." default:"compact" enum:"compact,json"`

	// PrintConfig prints the expanded configuration with defaults applied
	// and environment variables resolved.
	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	// LoadFile applies defaults and validates; an error here is the
	// verdict.
	cfg, err := config.LoadFile(ctx, c.Config)
	if err != nil {
		if c.Format == "json" {
			out := map[string]any{"valid": false, "file": c.Config, "error": err.Error()}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(out)
			return fmt.Errorf("configuration is invalid")
		}
		return fmt.Errorf("%s: %w", c.Config, err)
	}

	if c.PrintConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	}

	if c.Format == "json" {
		out := map[string]any{"valid": true, "file": c.Config}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("%s: OK\n", c.Config)
	return nil
}
