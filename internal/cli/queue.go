package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/logen-app/logen/internal/app"
	"github.com/logen-app/logen/internal/domain"
)

func newQueueCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the AI request queue",
	}
	cmd.AddCommand(newQueueListCommand(root))
	cmd.AddCommand(newQueueReclaimCommand(root))
	return cmd
}

type queueListOptions struct {
	status     string
	kind       string
	sessionID  string
	adminID    string
	limit      int
	jsonOutput bool
}

func newQueueListCommand(root *rootOptions) *cobra.Command {
	opts := &queueListOptions{limit: 50}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List AI requests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				reqs, err := a.Queue.List(cmd.Context(), domain.RequestFilter{
					Status:    domain.RequestStatus(opts.status),
					Kind:      domain.RequestKind(opts.kind),
					SessionID: opts.sessionID,
					AdminID:   opts.adminID,
					Limit:     opts.limit,
				})
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), reqs)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSESSION\tKIND\tSTATUS\tADMIN\tAGE")
				now := time.Now()
				for _, r := range reqs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.SessionID, r.Kind, r.Status, dash(r.AssignedAdminID), now.Sub(r.CreatedAt).Round(time.Second))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&opts.status, "status", "", "Filter by status (pending, assigned, processing, completed, failed)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Filter by kind (content, image)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Filter by wizard session ID")
	cmd.Flags().StringVar(&opts.adminID, "admin", "", "Filter by holding admin")
	cmd.Flags().IntVar(&opts.limit, "limit", opts.limit, "Maximum number of requests")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print JSON")
	return cmd
}

type queueReclaimOptions struct {
	olderThan time.Duration
	limit     int
}

func newQueueReclaimCommand(root *rootOptions) *cobra.Command {
	opts := &queueReclaimOptions{limit: 100}

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return stale assigned or processing requests to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				olderThan := opts.olderThan
				if olderThan == 0 {
					olderThan = a.Config.Queue.ClaimTimeout
				}
				ids, err := a.Queue.ReclaimStale(cmd.Context(), olderThan, opts.limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "reclaimed %d request(s)\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&opts.olderThan, "older-than", 0, "Reclaim requests held longer than this (default QUEUE_CLAIM_TIMEOUT)")
	cmd.Flags().IntVar(&opts.limit, "limit", opts.limit, "Maximum number of requests to reclaim")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
