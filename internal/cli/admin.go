package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"llama_gateway/internal/auth"
)

func (a *app) adminCommands() []*cobra.Command {
	hashPassword := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin password for ADMIN_PASSWORD_HASH",
		Long: `Reads a password and prints its Argon2id hash. Set the result as
ADMIN_PASSWORD_HASH to enable POST /admin/auth/login. On a terminal the
password is read twice without echo; otherwise the first line of stdin is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := a.readPassword(cmd)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	var (
		role    string
		subject string
		ttl     time.Duration
	)
	adminToken := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an admin API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			token, exp, err := auth.GenerateAdminJWT(subject, auth.AdminAuthTypeToken, []auth.Role{r}, ttl, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s (%s) expires %s\n", subject, r, time.Unix(exp, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	adminToken.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "Role granted by the token (admin or viewer)")
	adminToken.Flags().StringVar(&subject, "subject", "llamactl", "Subject recorded in the token")
	adminToken.Flags().DurationVar(&ttl, "ttl", auth.DefaultAdminTokenTTL, "Token lifetime")

	return []*cobra.Command{hashPassword, adminToken}
}

// readPassword prompts without echo on a terminal and reads one line otherwise
func (a *app) readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := a.opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Confirm password: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return checkPassword(string(first))
	}

	line, err := bufio.NewReader(a.opts.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return checkPassword(strings.TrimRight(line, "\r\n"))
}

func checkPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}
