package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestScheduleActionFollowsTransaction(t *testing.T) {
	ctx := context.Background()
	engine, err := db.OpenShards(ctx, testutil.NewTestShardDSNs(t, 0))
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	require.NoError(t, db.MigrateAll(ctx, engine))
	store := db.NewStore(engine)

	account := &models.Account{Provider: models.ProviderGmail, EmailAddress: "user@gmail.com", IMAPHost: "imap.gmail.com"}
	require.NoError(t, store.CreateAccount(ctx, 0, account))

	tx, err := store.BeginForAccount(ctx, account.ID)
	require.NoError(t, err)
	_, err = ScheduleAction(ctx, tx, MarkUnread, Record{ID: 10, Table: TableMessages}, account.ID, account.NamespaceID, MarkUnreadArgs{Unread: true})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	pending, err := store.PendingActions(ctx, 0, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "a rolled back change leaves no action behind")

	tx, err = store.BeginForAccount(ctx, account.ID)
	require.NoError(t, err)
	entry, err := ScheduleAction(ctx, tx, ChangeLabels, Record{ID: 10, Table: TableMessages}, account.ID, account.NamespaceID,
		ChangeLabelsArgs{AddedLabels: []string{"Work"}, RemovedLabels: []string{"inbox"}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	pending, err = store.PendingActions(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, ChangeLabels, got.Action)
	assert.Equal(t, int64(10), got.RecordID)
	assert.Equal(t, TableMessages, got.TableName)
	assert.Equal(t, models.ActionStatusPending, got.Status)
	assert.Zero(t, got.Retries)
	assert.JSONEq(t, `{"added_labels":["Work"],"removed_labels":["inbox"]}`, string(got.ExtraArgs))
}

func TestScheduleActionRejectsUnknownNames(t *testing.T) {
	_, err := ScheduleAction(context.Background(), nil, "send_fax", Record{ID: 1, Table: TableMessages}, 1, 1, nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}
