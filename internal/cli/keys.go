package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llama_gateway/internal/models"
	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

func (a *app) keyCommands() []*cobra.Command {
	var rateLimit int

	generateKey := &cobra.Command{
		Use:   "generatekey",
		Short: "Generate a new random API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				key, err := a.createKey(ctx, s, "", rateLimit)
				if err != nil {
					return fmt.Errorf("error generating API key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key generated: %s\n", key)
				return nil
			})
		},
	}
	generateKey.Flags().IntVar(&rateLimit, "rate-limit", models.DefaultRateLimit, "Requests allowed per minute")

	generateKeys := &cobra.Command{
		Use:   "generatekeys <count>",
		Short: "Generate several random API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil || count <= 0 {
				return fmt.Errorf("invalid number of keys: %q", args[0])
			}
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				for i := 0; i < count; i++ {
					key, err := a.createKey(ctx, s, "", rateLimit)
					if err != nil {
						return fmt.Errorf("error generating API key %d of %d: %w", i+1, count, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "API key generated: %s\n", key)
				}
				return nil
			})
		},
	}
	generateKeys.Flags().IntVar(&rateLimit, "rate-limit", models.DefaultRateLimit, "Requests allowed per minute")

	addKey := &cobra.Command{
		Use:   "addkey <key>",
		Short: "Add a key of your choosing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.ErrOrStderr(), "Warning: Adding your own keys may be unsafe. It is recommended to generate keys using the generatekey command.")
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				key, err := a.createKey(ctx, s, args[0], rateLimit)
				if err != nil {
					return fmt.Errorf("error adding API key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key added: %s\n", key)
				return nil
			})
		},
	}
	addKey.Flags().IntVar(&rateLimit, "rate-limit", models.DefaultRateLimit, "Requests allowed per minute")

	listKey := &cobra.Command{
		Use:   "listkey",
		Short: "List all API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				keys, err := s.Keys.List(ctx)
				if err != nil {
					return fmt.Errorf("error listing API keys: %w", err)
				}
				printKeyTable(cmd, keys)
				return nil
			})
		},
	}

	removeKey := a.keyCommand("removekey", "Remove an API key", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		if err := s.Keys.Delete(ctx, key); err != nil {
			return fmt.Errorf("error removing API key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "API key removed")
		return nil
	})

	setRateLimit := &cobra.Command{
		Use:   "ratelimit <key> <requests-per-minute>",
		Short: "Set the rate limit of an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid rate limit number: %q", args[1])
			}
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				if err := s.Keys.SetRateLimit(ctx, args[0], limit); err != nil {
					return fmt.Errorf("error setting rate limit: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rate limit set to %d requests per minute for API key: %s\n", limit, args[0])
				return nil
			})
		},
	}

	activateKey := a.keyCommand("activatekey", "Activate an API key", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		if err := s.Keys.SetActive(ctx, key, true); err != nil {
			return fmt.Errorf("error activating API key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key %s activated\n", key)
		return nil
	})

	deactivateKey := a.keyCommand("deactivatekey", "Deactivate an API key", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		if err := s.Keys.SetActive(ctx, key, false); err != nil {
			return fmt.Errorf("error deactivating API key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key %s deactivated\n", key)
		return nil
	})

	addDescription := &cobra.Command{
		Use:   "addkeydescription <key> <description...>",
		Short: "Attach a description to an API key",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, description := args[0], strings.Join(args[1:], " ")
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				if err := s.Keys.SetDescription(ctx, key, description); err != nil {
					return fmt.Errorf("error adding description: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Description added to API key %s\n", key)
				return nil
			})
		},
	}

	listDescription := a.keyCommand("listkeydescription", "Show the description of an API key", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		record, err := s.Keys.GetByKey(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrAPIKeyNotFound) {
			return fmt.Errorf("error retrieving description: %w", err)
		}
		if record == nil || record.Description == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No description found for API key %s\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Description for API key %s: %s\n", key, *record.Description)
		return nil
	})

	regenerateKey := a.keyCommand("regeneratekey", "Replace an API key with a new random one", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		newKey, err := utils.GenerateAPIKey()
		if err != nil {
			return err
		}
		if err := s.Keys.Regenerate(ctx, key, newKey); err != nil {
			return fmt.Errorf("error regenerating API key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key regenerated. New API key: %s\n", newKey)
		return nil
	})

	activateAll := a.setAllCommand("activateallkeys", "Activate every API key", true)
	deactivateAll := a.setAllCommand("deactivateallkeys", "Deactivate every API key", false)

	getKeyInfo := a.keyCommand("getkeyinfo", "Show everything stored about an API key", func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error {
		record, err := s.Keys.GetByKey(ctx, key)
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return errors.New("no API key found with the given key")
		}
		if err != nil {
			return fmt.Errorf("error retrieving API key info: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Key:\t%s\n", record.Key)
		fmt.Fprintf(w, "Active:\t%t\n", record.Active)
		fmt.Fprintf(w, "Rate limit:\t%d\n", record.RateLimit)
		fmt.Fprintf(w, "Tokens:\t%d\n", record.Tokens)
		fmt.Fprintf(w, "Last used:\t%s\n", record.LastUsedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(w, "Created:\t%s\n", record.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(w, "Description:\t%s\n", record.DescriptionOrEmpty())
		return w.Flush()
	})

	listActive := a.listByActiveCommand("listactivekeys", "List active API keys", true)
	listInactive := a.listByActiveCommand("listinactivekeys", "List deactivated API keys", false)

	return []*cobra.Command{
		generateKey, generateKeys, addKey, listKey, removeKey, setRateLimit,
		activateKey, deactivateKey, addDescription, listDescription, regenerateKey,
		activateAll, deactivateAll, getKeyInfo, listActive, listInactive,
	}
}

// createKey stores a new key, generating one when plaintext is empty
func (a *app) createKey(ctx context.Context, s *Stores, plaintext string, rateLimit int) (string, error) {
	if rateLimit < 0 {
		return "", storage.ErrInvalidRateLimit
	}
	if plaintext == "" {
		generated, err := utils.GenerateAPIKey()
		if err != nil {
			return "", err
		}
		plaintext = generated
	}
	if err := s.Keys.Create(ctx, models.NewAPIKey(plaintext, rateLimit, a.opts.Now())); err != nil {
		return "", err
	}
	return plaintext, nil
}

// keyCommand builds a command that takes exactly one API key argument
func (a *app) keyCommand(name, short string, run func(ctx context.Context, cmd *cobra.Command, s *Stores, key string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				return run(ctx, cmd, s, args[0])
			})
		},
	}
}

func (a *app) setAllCommand(name, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				n, err := s.Keys.SetAllActive(ctx, active)
				if err != nil {
					return fmt.Errorf("error updating API keys: %w", err)
				}
				state := "activated"
				if !active {
					state = "deactivated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "All API keys %s (%d changed)\n", state, n)
				return nil
			})
		},
	}
}

func (a *app) listByActiveCommand(name, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				keys, err := s.Keys.ListByActive(ctx, active)
				if err != nil {
					return fmt.Errorf("error listing API keys: %w", err)
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k.Key)
				}
				return nil
			})
		},
	}
}

func printKeyTable(cmd *cobra.Command, keys []*models.APIKey) {
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys found. Create one with: llamactl generatekey")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tACTIVE\tRATE LIMIT\tDESCRIPTION")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", k.Key, k.Active, k.RateLimit, k.DescriptionOrEmpty())
	}
	_ = w.Flush()
}
