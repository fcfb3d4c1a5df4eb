// Package stage validates and applies shipment lifecycle transitions.
// Transitions advance one stage at a time through the fixed ordering; the
// stage is not considered changed until the commit orchestrator confirms the
// write on the external ledger.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// RejectReason classifies a guard rejection. All are business-rule
// violations: surfaced verbatim, non-retryable.
type RejectReason string

const (
	ReasonOutOfOrder    RejectReason = "OutOfOrder"
	ReasonUnauthorized  RejectReason = "Unauthorized"
	ReasonTerminalState RejectReason = "TerminalState"
)

// RejectionError is returned when a transition request is refused.
type RejectionError struct {
	Reason     RejectReason
	ShipmentID string
	From       contracts.Stage
	To         contracts.Stage
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("stage: %s transition rejected (%s): %s -> %s", e.ShipmentID, e.Reason, e.From, e.To)
}

// StageSource reads the confirmed stage of a shipment. Backed by the
// orchestrator's hydrated view, never by locally cached intents. Invalidate
// drops any cached view; the guard calls it after a confirmed transition
// while still holding the shipment's lock, so the next request re-reads the
// advanced stage instead of a cache entry populated before the commit.
type StageSource interface {
	CurrentStage(ctx context.Context, shipmentID string) (contracts.Stage, error)
	Invalidate(ctx context.Context, shipmentID string)
}

// Committer hands accepted transitions to the ledger commit orchestrator
// and blocks until confirmation.
type Committer interface {
	Submit(ctx context.Context, intent contracts.CommitIntent) (*contracts.CommitReceipt, error)
}

// Guard enforces monotonic stage progression.
type Guard struct {
	stages    StageSource
	authz     Authorizer
	committer Committer
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard wires the guard to its confirmed-stage source, authorization
// policy and committer.
func NewGuard(stages StageSource, authz Authorizer, committer Committer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		stages:    stages,
		authz:     authz,
		committer: committer,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor serializes transition requests per shipment. The lock is held
// through confirmation, so concurrent requests for the same next stage race
// to one winner and the loser observes the advanced stage.
func (g *Guard) lockFor(shipmentID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[shipmentID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[shipmentID] = l
	}
	return l
}

// Transition validates a requested stage change and, when accepted, commits
// it through the orchestrator. The returned receipt reflects ledger
// confirmation; rejections are *RejectionError.
func (g *Guard) Transition(ctx context.Context, shipmentID string, target contracts.Stage, actor contracts.ActorRole) (*contracts.StageTransition, *contracts.CommitReceipt, error) {
	if !target.Valid() {
		return nil, nil, fmt.Errorf("stage: unknown stage %q", target)
	}

	l := g.lockFor(shipmentID)
	l.Lock()
	defer l.Unlock()

	current, err := g.stages.CurrentStage(ctx, shipmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("stage: read confirmed stage of %s: %w", shipmentID, err)
	}

	if current.Terminal() {
		return nil, nil, &RejectionError{Reason: ReasonTerminalState, ShipmentID: shipmentID, From: current, To: target}
	}
	next, ok := current.Next()
	if !ok || target != next {
		return nil, nil, &RejectionError{Reason: ReasonOutOfOrder, ShipmentID: shipmentID, From: current, To: target}
	}

	allowed, err := g.authz.IsAuthorized(ctx, actor, shipmentID, current, target)
	if err != nil {
		return nil, nil, fmt.Errorf("stage: authorization check: %w", err)
	}
	if !allowed {
		return nil, nil, &RejectionError{Reason: ReasonUnauthorized, ShipmentID: shipmentID, From: current, To: target}
	}

	transition := &contracts.StageTransition{
		ShipmentID:  shipmentID,
		From:        current,
		To:          target,
		ActorRole:   actor,
		RequestedAt: g.now().UTC(),
	}
	payload, err := json.Marshal(contracts.StageUpdatePayload{
		ShipmentID: shipmentID,
		From:       current,
		To:         target,
		ActorRole:  actor,
		At:         transition.RequestedAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stage: encode payload: %w", err)
	}

	receipt, err := g.committer.Submit(ctx, contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: shipmentID,
		Payload:    payload,
	})
	if err != nil {
		return nil, nil, err
	}
	// Drop the cached view before releasing the lock: a queued request must
	// re-read the advanced stage, not a snapshot from before the commit.
	g.stages.Invalidate(ctx, shipmentID)
	if target.Terminal() {
		g.release(shipmentID)
	}
	g.logger.Info("stage transition confirmed",
		"shipment", shipmentID, "from", current, "to", target, "actor", actor, "tx_ref", receipt.TxRef)
	return transition, receipt, nil
}

// release drops a terminal shipment's lock entry. A caller still blocked on
// the old mutex proceeds and is rejected by the terminal check; a fresh
// caller gets a new mutex and the same rejection.
func (g *Guard) release(shipmentID string) {
	g.mu.Lock()
	delete(g.locks, shipmentID)
	g.mu.Unlock()
}
