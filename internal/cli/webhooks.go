package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) webhookCommands() []*cobra.Command {
	addWebhook := &cobra.Command{
		Use:   "addwebhook <url>",
		Short: "Register a webhook notified after every successful generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return errors.New("webhook URL must be an absolute http or https URL")
			}
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				hook, err := s.Webhooks.Create(ctx, args[0])
				if err != nil {
					return fmt.Errorf("error adding webhook: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Webhook added: %s (id %d)\n", hook.URL, hook.ID)
				return nil
			})
		},
	}

	deleteWebhook := &cobra.Command{
		Use:   "deletewebhook <id>",
		Short: "Remove a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid webhook ID: %q", args[0])
			}
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				if err := s.Webhooks.Delete(ctx, id); err != nil {
					return fmt.Errorf("error deleting webhook: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted")
				return nil
			})
		},
	}

	listWebhooks := &cobra.Command{
		Use:   "listwebhooks",
		Short: "List registered webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(ctx context.Context, s *Stores) error {
				hooks, err := s.Webhooks.List(ctx)
				if err != nil {
					return fmt.Errorf("error listing webhooks: %w", err)
				}
				if len(hooks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No webhooks registered")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tURL")
				for _, h := range hooks {
					fmt.Fprintf(w, "%d\t%s\n", h.ID, h.URL)
				}
				return w.Flush()
			})
		},
	}

	return []*cobra.Command{addWebhook, deleteWebhook, listWebhooks}
}
