// Package chain defines the interface to the external append-only ledger.
// The ledger is an opaque consensus system the core does not control; it is
// reachable only through submit/read operations and enforces its own
// per-account sequence (nonce) discipline.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSequenceConflict signals the submitted sequence number does not
	// match the account's current sequence. Transient: callers re-read the
	// sequence and resume.
	ErrSequenceConflict = errors.New("chain: sequence conflict")
	// ErrUnavailable signals a transient submission fault.
	ErrUnavailable = errors.New("chain: ledger unavailable")
	// ErrConfirmationTimeout signals the confirmation wait elapsed; the
	// transaction may still confirm later.
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")
	// ErrTxNotFound signals an unknown transaction reference.
	ErrTxNotFound = errors.New("chain: transaction not found")
)

// TxRef identifies a submitted transaction on the ledger.
type TxRef string

// TxStatus is the ledger-side outcome of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxReverted  TxStatus = "REVERTED"
)

// SignedPayload is a fully prepared transaction, sequenced and bounded by a
// gas limit, ready for submission under the system signing identity.
type SignedPayload struct {
	Account    string `json:"account"`
	Sequence   uint64 `json:"sequence"`
	Kind       string `json:"kind"`
	ShipmentID string `json:"shipment_id"`
	Data       []byte `json:"data"`
	GasLimit   uint64 `json:"gas_limit"`
}

// TxReceipt is the ledger's confirmation record for a transaction.
type TxReceipt struct {
	Ref         TxRef     `json:"ref"`
	Status      TxStatus  `json:"status"`
	Sequence    uint64    `json:"sequence"`
	GasUsed     uint64    `json:"gas_used"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Event is one confirmed ledger event, as read back from the chain.
type Event struct {
	Kind       string    `json:"kind"`
	ShipmentID string    `json:"shipment_id"`
	Sequence   uint64    `json:"sequence"`
	Ref        TxRef     `json:"ref"`
	Data       []byte    `json:"data"`
	At         time.Time `json:"at"`
}

// Client is the submit/read surface of the external ledger.
type Client interface {
	// SubmitTransaction sends a signed payload. The write is
	// fire-and-forget once accepted: cancelling a confirmation wait does
	// not recall it.
	SubmitTransaction(ctx context.Context, p SignedPayload) (TxRef, error)
	// WaitForConfirmation blocks until the transaction confirms or ctx
	// expires.
	WaitForConfirmation(ctx context.Context, ref TxRef) (TxReceipt, error)
	// ReadEvents returns the ordered confirmed event log for a shipment.
	ReadEvents(ctx context.Context, shipmentID string) ([]Event, error)
	// CurrentSequence returns the account's next expected sequence number.
	CurrentSequence(ctx context.Context, account string) (uint64, error)
	// EstimateGas predicts the resource cost of a submission.
	EstimateGas(ctx context.Context, p SignedPayload) (uint64, error)
}
