package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerClient_OpensAfterThreshold(t *testing.T) {
	mem := NewMemChain()
	mem.FailNextSubmits(3)
	c := NewBreakerClient(mem, 3, time.Hour)

	for i := 0; i < 3; i++ {
		_, err := c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
		require.ErrorIs(t, err, ErrUnavailable)
	}

	// breaker is now open; the underlying chain is healthy again but calls
	// are rejected without reaching it.
	_, err := c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, mem.Len())
}

func TestBreakerClient_HalfOpenRecovery(t *testing.T) {
	mem := NewMemChain()
	mem.FailNextSubmits(2)
	c := NewBreakerClient(mem, 2, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
		require.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
	require.ErrorIs(t, err, ErrBreakerOpen)

	time.Sleep(20 * time.Millisecond)

	// half-open probe succeeds and closes the breaker
	ref, err := c.SubmitTransaction(context.Background(), SignedPayload{
		Account: "system", Sequence: 0, Kind: "shipment.create", ShipmentID: "ship-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	_, err = c.SubmitTransaction(context.Background(), SignedPayload{
		Account: "system", Sequence: 1, Kind: "stage.update", ShipmentID: "ship-1",
	})
	require.NoError(t, err)
}

func TestBreakerClient_ReadsBypassBreaker(t *testing.T) {
	mem := NewMemChain()
	mem.FailNextSubmits(1)
	c := NewBreakerClient(mem, 1, time.Hour)

	_, err := c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = c.SubmitTransaction(context.Background(), SignedPayload{Account: "system"})
	require.ErrorIs(t, err, ErrBreakerOpen)

	seq, err := c.CurrentSequence(context.Background(), "system")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	_, err = c.ReadEvents(context.Background(), "ship-1")
	require.NoError(t, err)
}
