package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// MemChain is an in-process, hash-chained, append-only ledger implementing
// Client. It enforces per-account sequence discipline the way a real chain
// does and supports fault injection for exercising the orchestrator's retry
// paths. Used by tests and by demo wiring when no external ledger is
// configured.
type MemChain struct {
	mu        sync.Mutex
	entries   []memEntry
	byRef     map[TxRef]int
	sequences map[string]uint64
	prevHash  string

	// fault injection
	failSubmits  int
	conflictOnce bool
	confirmDelay time.Duration
	gasPerByte   uint64
}

type memEntry struct {
	payload   SignedPayload
	ref       TxRef
	hash      string
	prevHash  string
	gasUsed   uint64
	confirmAt time.Time
	at        time.Time
}

// NewMemChain creates an empty chain.
func NewMemChain() *MemChain {
	return &MemChain{
		byRef:      make(map[TxRef]int),
		sequences:  make(map[string]uint64),
		gasPerByte: 68,
	}
}

// FailNextSubmits makes the next n submissions fail with ErrUnavailable.
func (m *MemChain) FailNextSubmits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmits = n
}

// ConflictOnce makes the next submission fail with ErrSequenceConflict and
// silently bumps the account sequence, simulating an interleaved external
// writer.
func (m *MemChain) ConflictOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictOnce = true
}

// SetConfirmDelay delays confirmation of subsequent submissions.
func (m *MemChain) SetConfirmDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmDelay = d
}

// SubmitTransaction validates the sequence and appends the transaction,
// chained to the previous entry's hash.
func (m *MemChain) SubmitTransaction(_ context.Context, p SignedPayload) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSubmits > 0 {
		m.failSubmits--
		return "", ErrUnavailable
	}
	if m.conflictOnce {
		m.conflictOnce = false
		m.sequences[p.Account]++
		return "", ErrSequenceConflict
	}
	if p.Sequence != m.sequences[p.Account] {
		return "", fmt.Errorf("%w: have %d, want %d", ErrSequenceConflict, p.Sequence, m.sequences[p.Account])
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("chain: encode payload: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(m.prevHash))
	h.Write(raw)
	sum := hex.EncodeToString(h.Sum(nil))

	now := time.Now().UTC()
	entry := memEntry{
		payload:   p,
		ref:       TxRef("0x" + sum),
		hash:      sum,
		prevHash:  m.prevHash,
		gasUsed:   m.gasCost(p),
		confirmAt: now.Add(m.confirmDelay),
		at:        now,
	}
	m.entries = append(m.entries, entry)
	m.byRef[entry.ref] = len(m.entries) - 1
	m.prevHash = sum
	m.sequences[p.Account]++
	return entry.ref, nil
}

// WaitForConfirmation blocks until the entry's confirmation time passes or
// ctx expires.
func (m *MemChain) WaitForConfirmation(ctx context.Context, ref TxRef) (TxReceipt, error) {
	m.mu.Lock()
	idx, ok := m.byRef[ref]
	if !ok {
		m.mu.Unlock()
		return TxReceipt{}, ErrTxNotFound
	}
	entry := m.entries[idx]
	m.mu.Unlock()

	if wait := time.Until(entry.confirmAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return TxReceipt{}, ErrConfirmationTimeout
		case <-timer.C:
		}
	}
	return TxReceipt{
		Ref:         ref,
		Status:      TxConfirmed,
		Sequence:    entry.payload.Sequence,
		GasUsed:     entry.gasUsed,
		ConfirmedAt: entry.confirmAt,
	}, nil
}

// ReadEvents returns the confirmed events for a shipment in chain order.
func (m *MemChain) ReadEvents(_ context.Context, shipmentID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var events []Event
	for _, e := range m.entries {
		if e.payload.ShipmentID != shipmentID || e.confirmAt.After(now) {
			continue
		}
		events = append(events, Event{
			Kind:       e.payload.Kind,
			ShipmentID: e.payload.ShipmentID,
			Sequence:   e.payload.Sequence,
			Ref:        e.ref,
			Data:       e.payload.Data,
			At:         e.confirmAt,
		})
	}
	return events, nil
}

// CurrentSequence returns the account's next expected sequence.
func (m *MemChain) CurrentSequence(_ context.Context, account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[account], nil
}

// EstimateGas prices a submission by payload size.
func (m *MemChain) EstimateGas(_ context.Context, p SignedPayload) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return 21_000 + uint64(len(p.Data))*m.gasPerByte, nil
}

func (m *MemChain) gasCost(p SignedPayload) uint64 {
	return 21_000 + uint64(len(p.Data))*m.gasPerByte
}

// Len returns the number of chained entries.
func (m *MemChain) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// VerifyChain recomputes every entry's hash link. A broken link reports an
// error naming the offending index.
func (m *MemChain) VerifyChain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := ""
	for i, e := range m.entries {
		if e.prevHash != prev {
			return fmt.Errorf("chain: entry %d has broken hash link", i)
		}
		raw, err := json.Marshal(e.payload)
		if err != nil {
			return err
		}
		h := sha3.NewLegacyKeccak256()
		h.Write([]byte(prev))
		h.Write(raw)
		if hex.EncodeToString(h.Sum(nil)) != e.hash {
			return fmt.Errorf("chain: entry %d has tampered content", i)
		}
		prev = e.hash
	}
	return nil
}
