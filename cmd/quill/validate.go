package main

import (
	"fmt"

	"github.com/quillhq/quill/pkg/config"
)

// ValidateCmd loads the configuration and reports the first problem.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("no config file specified (use --config)")
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration %s is valid\n", cli.Config)
	fmt.Printf("  storage:      %s\n", cfg.Storage.Driver)
	fmt.Printf("  vector store: %s (collection %s)\n", cfg.Vector.Type, cfg.Vector.Collection)
	fmt.Printf("  web search:   %s\n", cfg.WebSearch.Provider)
	for _, tier := range config.AllTiers() {
		if tc, ok := cfg.Tiers[tier]; ok {
			fmt.Printf("  tier %-12s %s/%s\n", tier+":", tc.Provider, tc.Model)
		}
	}
	return nil
}
