package commit

import (
	"context"
	"errors"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// ErrIntentNotFound signals an unknown outbox key.
var ErrIntentNotFound = errors.New("commit: intent not found")

// OutboxRecord is one durable intent with its current disposition. A FAILED
// record keeps its intent and any dispatched TxRef intact for later requeue
// or inspection: a non-empty TxRef means the ledger write was dispatched,
// and a resubmission of the key must settle that transaction before it may
// ever submit another one.
type OutboxRecord struct {
	Key       string
	Intent    contracts.CommitIntent
	Status    contracts.ReceiptStatus
	TxRef     string
	Receipt   *contracts.CommitReceipt
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox is the durable intent store. Save is idempotent on Key: a second
// save of the same key is a no-op, never an overwrite. MarkSubmitted records
// the dispatched transaction ref and survives MarkFailed and Requeue.
type Outbox interface {
	Save(ctx context.Context, intent contracts.CommitIntent) error
	Get(ctx context.Context, key string) (*OutboxRecord, error)
	MarkSubmitted(ctx context.Context, key string, txRef string) error
	MarkConfirmed(ctx context.Context, key string, receipt contracts.CommitReceipt) error
	MarkFailed(ctx context.Context, key string, attempts int, reason string) error
	ListPending(ctx context.Context) ([]*OutboxRecord, error)
	Requeue(ctx context.Context, key string) error
}
