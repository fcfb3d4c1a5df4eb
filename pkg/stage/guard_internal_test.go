package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

type stubSource struct {
	stage contracts.Stage
}

func (s stubSource) CurrentStage(context.Context, string) (contracts.Stage, error) {
	return s.stage, nil
}

func (s stubSource) Invalidate(context.Context, string) {}

type stubCommitter struct{}

func (stubCommitter) Submit(context.Context, contracts.CommitIntent) (*contracts.CommitReceipt, error) {
	return &contracts.CommitReceipt{TxRef: "0xfff", Status: contracts.ReceiptConfirmed}, nil
}

// A shipment that reaches its terminal stage sheds its lock entry, so the
// lock map does not grow with retired shipments.
func TestGuard_TerminalTransitionReleasesLock(t *testing.T) {
	authz, err := NewCELAuthorizer(DefaultPolicy())
	require.NoError(t, err)
	g := NewGuard(stubSource{stage: contracts.StageAtRetailer}, authz, stubCommitter{}, nil)

	_, _, err = g.Transition(context.Background(), "ship-1", contracts.StageSelling, contracts.ActorRetailer)
	require.NoError(t, err)

	g.mu.Lock()
	_, held := g.locks["ship-1"]
	g.mu.Unlock()
	assert.False(t, held)
}

// Non-terminal transitions keep the entry for the next request.
func TestGuard_NonTerminalTransitionKeepsLock(t *testing.T) {
	authz, err := NewCELAuthorizer(DefaultPolicy())
	require.NoError(t, err)
	g := NewGuard(stubSource{stage: contracts.StageCreated}, authz, stubCommitter{}, nil)

	_, _, err = g.Transition(context.Background(), "ship-1", contracts.StageHarvested, contracts.ActorProducer)
	require.NoError(t, err)

	g.mu.Lock()
	_, held := g.locks["ship-1"]
	g.mu.Unlock()
	assert.True(t, held)
}
