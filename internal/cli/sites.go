package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/logen-app/logen/internal/app"
)

func newSitesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Query site ID availability",
	}
	cmd.AddCommand(newSitesCheckCommand(root))
	return cmd
}

type sitesCheckOptions struct {
	sessionID  string
	jsonOutput bool
}

func newSitesCheckCommand(root *rootOptions) *cobra.Command {
	opts := &sitesCheckOptions{}

	cmd := &cobra.Command{
		Use:   "check <site name>",
		Short: "Check whether a site name is free and suggest an alternative",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			return root.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Resolver.Check(cmd.Context(), name, opts.sessionID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				if !res.IsDuplicate {
					fmt.Fprintf(out, "%s is available\n", res.SiteID)
					return nil
				}
				fmt.Fprintf(out, "%s is taken (%s); suggestion: %s\n", res.SiteID, strings.Join(res.Collisions, ", "), res.Suggestion)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Wizard session to exclude from the check")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print JSON")
	return cmd
}
