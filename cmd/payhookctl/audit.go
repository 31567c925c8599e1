package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/audit"
)

var errAuditNeedsRedis = errors.New("audit tail needs the redis queue driver")

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Follow the pipeline audit trail",
	}
	cmd.AddCommand(auditTailCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream audit entries as they are published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Redis == nil {
					return errAuditNeedsRedis
				}

				entries, stop, err := audit.NewRedisSink(a.Redis, channel).Subscribe(ctx)
				if err != nil {
					return err
				}
				defer stop()

				out := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						return nil
					case entry, ok := <-entries:
						if !ok {
							return nil
						}
						if wantJSON(cmd) {
							if err := printJSON(out, entry); err != nil {
								return err
							}
							continue
						}
						_, _ = fmt.Fprintf(out, "%s  %-24s  %s  %s\n",
							dimStyle.Render(entry.At.Format(time.RFC3339)),
							labelStyle.Render(string(entry.Action)),
							entry.EventID,
							entry.Reason,
						)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&channel, "channel", audit.DefaultChannel, "pub/sub channel to follow")
	return cmd
}
