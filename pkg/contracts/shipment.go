// Package contracts defines the shared domain types exchanged between the
// binding registry, telemetry aggregator, violation detector, stage guard and
// the ledger commit orchestrator.
package contracts

import "time"

// Stage is a shipment's position in its fixed lifecycle ordering.
type Stage string

const (
	StageCreated    Stage = "Created"
	StageHarvested  Stage = "Harvested"
	StageInTransit  Stage = "In Transit"
	StageAtRetailer Stage = "At Retailer"
	StageSelling    Stage = "Selling"
)

// stageOrder fixes the only legal progression. Selling is terminal.
var stageOrder = []Stage{
	StageCreated,
	StageHarvested,
	StageInTransit,
	StageAtRetailer,
	StageSelling,
}

// Valid reports whether s is a known lifecycle stage.
func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition out of s is accepted.
func (s Stage) Terminal() bool { return s == StageSelling }

// Next returns the immediate successor of s. ok is false when s is terminal
// or unknown.
func (s Stage) Next() (next Stage, ok bool) {
	for i, st := range stageOrder[:len(stageOrder)-1] {
		if st == s {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Shipment is the confirmed on-ledger identity of a tracked consignment.
// It is mutated only through confirmed ledger writes.
type Shipment struct {
	ID          string    `json:"id"`
	ProductType string    `json:"product_type"`
	Stage       Stage     `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
}

// StageEvent is one confirmed stage change in a shipment's history.
type StageEvent struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	ActorRole ActorRole `json:"actor_role"`
	TxRef     string    `json:"tx_ref"`
	At        time.Time `json:"at"`
}

// ShipmentView is the hydrated read model, reconstructed strictly from
// confirmed ledger events.
type ShipmentView struct {
	ID           string        `json:"id"`
	ProductType  string        `json:"product_type"`
	CurrentStage Stage         `json:"current_stage"`
	CreatedAt    time.Time     `json:"created_at"`
	History      []StageEvent  `json:"history"`
	Alerts       []AlertRecord `json:"alerts"`
	Final        bool          `json:"final"`
}

// StageTransition records an accepted lifecycle transition before it is
// confirmed on the ledger.
type StageTransition struct {
	ShipmentID  string    `json:"shipment_id"`
	From        Stage     `json:"from"`
	To          Stage     `json:"to"`
	ActorRole   ActorRole `json:"actor_role"`
	RequestedAt time.Time `json:"requested_at"`
}
