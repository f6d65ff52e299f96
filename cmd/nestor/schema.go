package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/nestor-ai/nestor/pkg/config"
)

// SchemaCmd generates the JSON Schema for the configuration file. Output
// goes to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline all definitions so editors without $ref support still
		// get completion.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://nestor-ai.github.io/schemas/config.json"
	schema.Title = "Nestor Configuration Schema"
	schema.Description = "Configuration schema for the nestor retrieval-augmented answering service"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
