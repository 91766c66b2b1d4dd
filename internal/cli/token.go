package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/logen-app/logen/internal/identity"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCommand(root))
	return cmd
}

type tokenIssueOptions struct {
	subject string
	role    string
}

func newTokenIssueCommand(root *rootOptions) *cobra.Command {
	opts := &tokenIssueOptions{role: string(identity.RoleCustomer)}

	cmd := &cobra.Command{
		Use:   "issue --subject <id> [--role customer|admin]",
		Short: "Issue a signed token for a customer or admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			issuer := identity.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.RefreshWindow)
			token, exp, err := issuer.Issue(opts.subject, identity.Role(opts.role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "Customer or admin ID")
	cmd.Flags().StringVar(&opts.role, "role", opts.role, "Token role (customer or admin)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
