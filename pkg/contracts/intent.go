package contracts

import (
	"encoding/json"
	"time"
)

// IntentKind classifies a pending write destined for the external ledger.
type IntentKind string

const (
	KindCreateShipment IntentKind = "shipment.create"
	KindStageUpdate    IntentKind = "stage.update"
	KindAlertReport    IntentKind = "alert.report"
)

// CommitIntent is a pending ledger write. Key is content-derived and must
// survive retries unchanged so a re-submission is always safe.
type CommitIntent struct {
	Kind       IntentKind      `json:"kind"`
	ShipmentID string          `json:"shipment_id"`
	Payload    json.RawMessage `json:"payload"`
	Key        string          `json:"key,omitempty"`
}

// ReceiptStatus is the confirmation state of a commit.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "PENDING"
	ReceiptConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptFailed    ReceiptStatus = "FAILED"
)

// CommitReceipt is returned once a commit intent is durably accepted by the
// external ledger.
type CommitReceipt struct {
	IntentKey   string        `json:"intent_key"`
	TxRef       string        `json:"tx_ref"`
	Sequence    uint64        `json:"sequence"`
	Status      ReceiptStatus `json:"status"`
	ConfirmedAt time.Time     `json:"confirmed_at,omitzero"`
}

// CreateShipmentPayload is the ledger payload for KindCreateShipment.
type CreateShipmentPayload struct {
	ShipmentID  string    `json:"shipment_id"`
	ProductType string    `json:"product_type"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// StageUpdatePayload is the ledger payload for KindStageUpdate.
type StageUpdatePayload struct {
	ShipmentID string    `json:"shipment_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	ActorRole  ActorRole `json:"actor_role"`
	At         time.Time `json:"at"`
}

// AlertReportPayload is the ledger payload for KindAlertReport.
type AlertReportPayload struct {
	Alert Alert `json:"alert"`
}
