package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/imap"
)

func newProbeCmd() *cobra.Command {
	var (
		host    string
		user    string
		useTLS  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Log in to an IMAP server and report its capabilities and folder layout",
		Long: `probe shows what the sync engine would see for a mailbox: whether CONDSTORE
and THREAD are available, which folders map to which roles, and the uid
watermarks of each folder. The password is read from MAILSYNC_PROBE_PASSWORD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("MAILSYNC_PROBE_PASSWORD")
			if password == "" {
				return fmt.Errorf("MAILSYNC_PROBE_PASSWORD is required")
			}
			return probe(cmd.Context(), cmd.OutOrStdout(), host, user, password, useTLS, timeout)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "IMAP address as host:port, for example imap.example.com:993")
	cmd.Flags().StringVar(&user, "user", "", "login name")
	cmd.Flags().BoolVar(&useTLS, "tls", true, "connect with implicit TLS")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial timeout")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func probe(ctx context.Context, w io.Writer, host, user, password string, useTLS bool, timeout time.Duration) error {
	c, err := imap.Dial(ctx, host, useTLS, timeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Logout()
	}()

	if err := c.Login(user, password); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	session, err := imap.NewCrispinClient(c)
	if err != nil {
		return err
	}
	return report(w, session)
}

// report writes the capabilities and per-folder watermarks seen through session.
func report(w io.Writer, session imap.Session) error {
	fmt.Fprintf(w, "condstore: %t\n", session.CondstoreSupported())
	fmt.Fprintf(w, "thread:    %t\n\n", session.ThreadSupported())

	names, err := session.FolderNames()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tROLE\tMESSAGES\tUIDVALIDITY\tUIDNEXT\tHIGHESTMODSEQ")
	for _, f := range names.Folders() {
		role := f.CanonicalName
		if role == "" {
			role = "-"
		}
		status, err := session.FolderStatus(f.Name)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\terror: %v\t\t\t\n", f.Name, role, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", f.Name, role, status.Messages, status.UIDValidity, status.UIDNext, status.HighestModSeq)
	}
	return tw.Flush()
}
