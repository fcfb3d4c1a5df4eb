package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker is rejecting calls.
var ErrBreakerOpen = fmt.Errorf("chain: circuit breaker open")

// BreakerClient wraps a Client with a circuit breaker so a misbehaving
// ledger endpoint fails fast instead of stacking up confirmation waits.
// Read paths (ReadEvents, CurrentSequence) bypass the breaker; only
// submissions trip it.
type BreakerClient struct {
	inner   Client
	breaker *circuitBreaker
}

// NewBreakerClient wraps inner. The breaker opens after threshold
// consecutive submission failures and probes again after resetTimeout.
func NewBreakerClient(inner Client, threshold int, resetTimeout time.Duration) *BreakerClient {
	return &BreakerClient{
		inner:   inner,
		breaker: newCircuitBreaker(threshold, resetTimeout),
	}
}

func (c *BreakerClient) SubmitTransaction(ctx context.Context, p SignedPayload) (TxRef, error) {
	if !c.breaker.allow() {
		return "", ErrBreakerOpen
	}
	ref, err := c.inner.SubmitTransaction(ctx, p)
	if err != nil {
		c.breaker.failure()
		return "", err
	}
	c.breaker.success()
	return ref, nil
}

func (c *BreakerClient) WaitForConfirmation(ctx context.Context, ref TxRef) (TxReceipt, error) {
	return c.inner.WaitForConfirmation(ctx, ref)
}

func (c *BreakerClient) ReadEvents(ctx context.Context, shipmentID string) ([]Event, error) {
	return c.inner.ReadEvents(ctx, shipmentID)
}

func (c *BreakerClient) CurrentSequence(ctx context.Context, account string) (uint64, error) {
	return c.inner.CurrentSequence(ctx, account)
}

func (c *BreakerClient) EstimateGas(ctx context.Context, p SignedPayload) (uint64, error) {
	return c.inner.EstimateGas(ctx, p)
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
