package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskorch/taskorch/internal/config"
	"github.com/taskorch/taskorch/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and initialize the workspace directories",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and initialized workspace at %s\n", configPath, cfg.WorkspaceRoot)
	return nil
}
