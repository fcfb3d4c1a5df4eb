package commit_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	intent := contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: "ship-1",
		Payload:    json.RawMessage(`{"from":"Created","to":"Harvested"}`),
	}
	k1, err := commit.DeriveKey(intent)
	require.NoError(t, err)
	k2, err := commit.DeriveKey(intent)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestDeriveKey_CanonicalizesPayload(t *testing.T) {
	// same content, different member order and whitespace
	a := contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: "ship-1",
		Payload:    json.RawMessage(`{"from":"Created","to":"Harvested"}`),
	}
	b := contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: "ship-1",
		Payload:    json.RawMessage(`{ "to": "Harvested", "from": "Created" }`),
	}
	ka, err := commit.DeriveKey(a)
	require.NoError(t, err)
	kb, err := commit.DeriveKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestDeriveKey_DiscriminatesContent(t *testing.T) {
	base := contracts.CommitIntent{
		Kind:       contracts.KindStageUpdate,
		ShipmentID: "ship-1",
		Payload:    json.RawMessage(`{"to":"Harvested"}`),
	}
	otherShipment := base
	otherShipment.ShipmentID = "ship-2"
	otherKind := base
	otherKind.Kind = contracts.KindAlertReport

	kBase, _ := commit.DeriveKey(base)
	kShip, _ := commit.DeriveKey(otherShipment)
	kKind, _ := commit.DeriveKey(otherKind)
	assert.NotEqual(t, kBase, kShip)
	assert.NotEqual(t, kBase, kKind)
}
