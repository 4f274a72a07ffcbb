package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/scaffold"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create lodge.yml and an example worker",
	Long: `Initialize a Lodge project in the current directory.

Creates:
  • lodge.yml - Scheduler, bus and worker configuration
  • workers/echo/run.sh - Example worker demonstrating the stdin/stdout contract

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	// Note: Cannot use -f shorthand because it conflicts with global --config flag
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (removes existing lodge.yml and workers/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			var existing *scaffold.ExistingError
			if errors.As(err, &existing) {
				return printer.Error(
					"project already initialized",
					fmt.Sprintf("Found existing: %s", strings.Join(existing.Files, ", ")),
					[]string{"Reinitialize (overwrites existing configuration):\n  lodge init --force"},
				)
			}
			return err
		}
	} else {
		printer.Warning("Removing existing lodge.yml and workers/...\n")
	}

	created, err := scaffold.Initialize(dir, forceInit)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Successfully initialized Lodge project!\n")
	printer.Info("\nCreated:\n")
	for _, path := range created {
		printer.Info("  ✓ %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Edit lodge.yml to describe your workers\n")
	printer.Info("  2. Run 'lodge serve' to start scheduling\n")
	printer.Info("  3. Run 'lodge submit --tag text \"hello\"' to queue a task\n")
	return nil
}
