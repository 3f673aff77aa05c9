package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"llama_gateway/internal/config"
)

func (a *app) settingsCommands() []*cobra.Command {
	changePort := &cobra.Command{
		Use:   "changeport <port>",
		Short: "Change the port the gateway listens on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.savePort(cmd, args[0], "Port number", config.SavePort)
		},
	}

	changeOllamaPort := &cobra.Command{
		Use:   "changeollamaport <port>",
		Short: "Change the port of the local Ollama server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.savePort(cmd, args[0], "Ollama port number", config.SaveOllamaPort)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				if s.Migrate == nil {
					return fmt.Errorf("the configured store has no schema to migrate")
				}
				if err := s.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")
				return nil
			})
		},
	}

	return []*cobra.Command{changePort, changeOllamaPort, migrate}
}

func (a *app) savePort(cmd *cobra.Command, raw, label string, save func(path string, port int) error) error {
	port, err := config.ParsePort(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if err := save(cfg.ConfigFile, port); err != nil {
		return fmt.Errorf("error saving %s: %w", label, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s saved to %s: %d\n", label, cfg.ConfigFile, port)
	fmt.Fprintln(cmd.OutOrStdout(), "Restart the gateway to apply the change.")
	return nil
}
