// Package commit orchestrates writes to the external ledger: idempotency
// keys, the durable intent outbox, the single-writer submission loop, and
// hydration of read models from confirmed events.
package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// DeriveKey computes the content-derived idempotency key for an intent:
// SHA-256 over the JCS (RFC 8785) canonical form of kind, shipment id and
// payload. Retries of the same intent always derive the same key, so the
// outbox and the dispatcher can deduplicate on it.
func DeriveKey(intent contracts.CommitIntent) (string, error) {
	body := struct {
		Kind       contracts.IntentKind `json:"kind"`
		ShipmentID string               `json:"shipment_id"`
		Payload    json.RawMessage      `json:"payload"`
	}{intent.Kind, intent.ShipmentID, intent.Payload}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("commit: encode intent: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("commit: canonicalize intent: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
