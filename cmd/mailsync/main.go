package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsync",
		Short: "Mirror IMAP and Gmail mailboxes into sharded Postgres and sync local changes back",
		Long: `mailsync keeps a local copy of remote mailboxes up to date.

Configuration comes from MAILSYNC_* environment variables (and .env in development).
Run "sync" on sync workers, "syncback" once per CPU slice of shards, and "migrate"
before the first start and after upgrades.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newSyncCmd(),
		newSyncbackCmd(),
		newMigrateCmd(),
		newProbeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mailsync %s (%s)\n", version, commit)
			},
		},
	)
	return root
}
