// Command devenv runs a throwaway environment for trying a sync worker end to
// end: two Postgres shards, an in-process Redis and a seeded IMAP server with
// one account pointing at it. It prints the environment a worker needs and
// blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("development", "info")
	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("Dev environment failed")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	logger.Info().Msg("Starting Postgres shards...")
	dsns, terminate, err := testutil.StartShardDatabases(ctx, 0, 1)
	if err != nil {
		return err
	}
	defer func() {
		if err := terminate(); err != nil {
			logger.Warn().Err(err).Msg("Failed to terminate Postgres container")
		}
	}()

	engine, err := db.OpenShards(ctx, dsns)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := db.MigrateAll(ctx, engine); err != nil {
		return err
	}

	mr, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("failed to start redis: %w", err)
	}
	defer mr.Close()

	imapServer, err := testutil.NewTestIMAPServerForE2E()
	if err != nil {
		return err
	}
	defer imapServer.Close()
	if err := seedMailbox(imapServer); err != nil {
		return err
	}

	sealer, err := crypto.NewCredentialSealer(testutil.TestEncryptionKey())
	if err != nil {
		return err
	}
	account, err := createAccount(ctx, db.NewStore(engine), engine.Keys()[0], sealer, imapServer.Address)
	if err != nil {
		return err
	}

	logger.Info().
		Int64("account_id", account.ID).
		Str("imap", imapServer.Address).
		Str("imap_user", testutil.TestIMAPUsername).
		Str("imap_password", testutil.TestIMAPPassword).
		Msg("Dev environment ready, press Ctrl+C to stop")
	fmt.Print(envExports(map[string]string{
		"MAILSYNC_ENCRYPTION_KEY_BASE64": testutil.TestEncryptionKey(),
		"MAILSYNC_SHARD_DSNS":            formatShardDSNs(dsns),
		"MAILSYNC_REDIS_ADDR":            mr.Addr(),
		"MAILSYNC_IMAP_TLS":              "false",
	}))

	<-ctx.Done()
	logger.Info().Msg("Shutting down dev environment")
	return nil
}

// seedMailbox creates the usual special folders and a short conversation in INBOX.
func seedMailbox(s *testutil.TestIMAPServer) error {
	c, err := s.ConnectForE2E()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Logout()
	}()

	for _, name := range []string{"Sent", "Drafts", "Trash", "Spam", "Archive"} {
		if err := c.Create(name); err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}

	now := time.Now()
	messages := []struct {
		folder string
		msg    testutil.TestMessage
	}{
		{"INBOX", testutil.TestMessage{MessageID: "<msg1@devenv>", Subject: "Welcome to mailsync", From: "sender@example.com", Body: "This is a test message.", SentAt: now.Add(-2 * time.Hour)}},
		{"INBOX", testutil.TestMessage{MessageID: "<msg2@devenv>", Subject: "Meeting tomorrow", From: "colleague@example.com", Body: "Meeting tomorrow at 2 PM.", SentAt: now.Add(-time.Hour)}},
		{"INBOX", testutil.TestMessage{MessageID: "<msg3@devenv>", InReplyTo: "<msg2@devenv>", References: "<msg2@devenv>", Subject: "Re: Meeting tomorrow", From: "colleague@example.com", Body: "Moved to 3 PM.", SentAt: now, Flags: []string{}}},
		{"Sent", testutil.TestMessage{MessageID: "<msg4@devenv>", InReplyTo: "<msg2@devenv>", References: "<msg2@devenv>", Subject: "Re: Meeting tomorrow", From: testutil.TestIMAPUsername, To: "colleague@example.com", Body: "Works for me.", SentAt: now.Add(-30 * time.Minute)}},
	}
	for _, m := range messages {
		if _, err := s.AddMessageForE2E(c, m.folder, m.msg); err != nil {
			return fmt.Errorf("failed to add %s: %w", m.msg.MessageID, err)
		}
	}
	return nil
}

// createAccount inserts a generic IMAP account. The password is sealed after
// insert because the seal is bound to the account id.
func createAccount(ctx context.Context, store *db.Store, shardKey int, sealer *crypto.CredentialSealer, imapHost string) (*models.Account, error) {
	account := &models.Account{
		Provider:      models.ProviderGenericIMAP,
		EmailAddress:  testutil.TestIMAPUsername,
		IMAPHost:      imapHost,
		SyncShouldRun: true,
	}
	if err := store.CreateAccount(ctx, shardKey, account); err != nil {
		return nil, err
	}

	sealed, err := sealer.Seal(account.ID, testutil.TestIMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to seal password: %w", err)
	}
	pool, err := store.Engine().ForID(account.ID)
	if err != nil {
		return nil, err
	}
	if err := db.UpdateCredentials(ctx, pool, account.ID, sealed, nil); err != nil {
		return nil, err
	}
	account.EncryptedPassword = sealed
	return account, nil
}

// formatShardDSNs renders dsns in the MAILSYNC_SHARD_DSNS format, ordered by key.
func formatShardDSNs(dsns map[int]string) string {
	keys := make([]int, 0, len(dsns))
	for k := range dsns {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d=%s", k, dsns[k]))
	}
	return strings.Join(parts, ",")
}

func envExports(env map[string]string) string {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%q\n", name, env[name])
	}
	return b.String()
}
