// Command deckguard runs the request security gateway and its operator
// tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/server"
)

// For testing
var osExit = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		osExit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "deckguard",
		Short:        "Request security gateway for the deck translation service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("DECKGUARD_ENV_FILE", ".env"), "Path to .env file")

	root.AddCommand(
		newServerCmd(),
		newMigrateCmd(),
		newSecurityCmd(),
		newTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "deckguard %s\n", server.Version)
			},
		},
	)
	return root
}

// loadEnvFile loads path into the environment when it exists. Variables
// already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
