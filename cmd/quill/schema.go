package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/quillhq/quill/pkg/config"
)

// SchemaCmd emits a JSON Schema for the configuration file, written to
// stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "Quill Configuration Schema"
	schema.Description = "Configuration for the Quill research orchestrator."

	var (
		data []byte
		err  error
	)
	if c.Compact {
		data, err = json.Marshal(schema)
	} else {
		data, err = json.MarshalIndent(schema, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
