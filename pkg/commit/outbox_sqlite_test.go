package commit_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

func newSQLiteOutbox(t *testing.T) *commit.SQLiteOutbox {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	outbox, err := commit.NewSQLiteOutbox(db)
	require.NoError(t, err)
	return outbox
}

func testIntent(key, shipmentID string) contracts.CommitIntent {
	return contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: shipmentID,
		Payload:    json.RawMessage(`{"to":"Harvested"}`),
		Key:        key,
	}
}

func TestSQLiteOutbox_SaveAndGet(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))

	rec, err := outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptPending, rec.Status)
	assert.Equal(t, "ship-1", rec.Intent.ShipmentID)
	assert.Nil(t, rec.Receipt)
}

func TestSQLiteOutbox_SaveIsIdempotent(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))
	require.NoError(t, outbox.MarkConfirmed(ctx, "k1", contracts.CommitReceipt{
		IntentKey: "k1", TxRef: "0xabc", Status: contracts.ReceiptConfirmed, ConfirmedAt: time.Now(),
	}))

	// a second save of the same key must not reset the confirmation
	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))

	rec, err := outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptConfirmed, rec.Status)
	require.NotNil(t, rec.Receipt)
	assert.Equal(t, "0xabc", rec.Receipt.TxRef)
}

func TestSQLiteOutbox_MarkFailedAndRequeue(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))
	require.NoError(t, outbox.MarkFailed(ctx, "k1", 5, "ledger unavailable"))

	rec, err := outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptFailed, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Equal(t, "ledger unavailable", rec.LastError)

	require.NoError(t, outbox.Requeue(ctx, "k1"))
	rec, err = outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptPending, rec.Status)
}

func TestSQLiteOutbox_TxRefSurvivesFailureAndRequeue(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))
	require.NoError(t, outbox.MarkSubmitted(ctx, "k1", "0xfeed"))
	require.NoError(t, outbox.MarkFailed(ctx, "k1", 1, "confirmation timed out"))

	rec, err := outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptFailed, rec.Status)
	assert.Equal(t, "0xfeed", rec.TxRef)

	require.NoError(t, outbox.Requeue(ctx, "k1"))
	rec, err = outbox.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", rec.TxRef, "dispatched ref must outlive a requeue")

	require.ErrorIs(t, outbox.MarkSubmitted(ctx, "missing", "0x1"), commit.ErrIntentNotFound)
}

func TestSQLiteOutbox_RequeueOnlyFailed(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.Save(ctx, testIntent("k1", "ship-1")))
	require.ErrorIs(t, outbox.Requeue(ctx, "k1"), commit.ErrIntentNotFound)
}

func TestSQLiteOutbox_ListPendingInArrivalOrder(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, outbox.Save(ctx, testIntent(key, "ship-1")))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, outbox.MarkConfirmed(ctx, "k2", contracts.CommitReceipt{
		IntentKey: "k2", Status: contracts.ReceiptConfirmed,
	}))

	pending, err := outbox.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "k1", pending[0].Key)
	assert.Equal(t, "k3", pending[1].Key)
}

func TestSQLiteOutbox_UnknownKey(t *testing.T) {
	outbox := newSQLiteOutbox(t)
	ctx := context.Background()

	_, err := outbox.Get(ctx, "missing")
	require.ErrorIs(t, err, commit.ErrIntentNotFound)
	require.ErrorIs(t, outbox.MarkFailed(ctx, "missing", 1, "x"), commit.ErrIntentNotFound)
}
