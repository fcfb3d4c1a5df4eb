package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/chain"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// ErrShipmentNotFound signals the ledger holds no confirmed events for the
// shipment.
var ErrShipmentNotFound = errors.New("commit: shipment not found")

// ViewCache caches hydrated shipment views. A miss is not an error; Get
// reports it with ok=false.
type ViewCache interface {
	Get(ctx context.Context, shipmentID string) (*contracts.ShipmentView, bool)
	Set(ctx context.Context, shipmentID string, view *contracts.ShipmentView)
	Invalidate(ctx context.Context, shipmentID string)
}

// Hydrator rebuilds shipment read models strictly from confirmed ledger
// events. Pending intents never leak into a view: the chain client only
// returns confirmed events, so a view can lag the latest Submit but can
// never show a write the ledger has not accepted.
type Hydrator struct {
	client chain.Client
	cache  ViewCache
	log    *slog.Logger
}

// NewHydrator creates a hydrator. cache may be nil to disable caching.
func NewHydrator(client chain.Client, cache ViewCache, log *slog.Logger) *Hydrator {
	if log == nil {
		log = slog.Default()
	}
	return &Hydrator{client: client, cache: cache, log: log.With("component", "hydrator")}
}

// Shipment returns the hydrated view, serving from cache when fresh.
func (h *Hydrator) Shipment(ctx context.Context, shipmentID string) (*contracts.ShipmentView, error) {
	if h.cache != nil {
		if view, ok := h.cache.Get(ctx, shipmentID); ok {
			return view, nil
		}
	}
	view, err := h.rebuild(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		h.cache.Set(ctx, shipmentID, view)
	}
	return view, nil
}

// Invalidate drops the cached view so the next read refolds the ledger.
// Called after a commit confirms.
func (h *Hydrator) Invalidate(ctx context.Context, shipmentID string) {
	if h.cache != nil {
		h.cache.Invalidate(ctx, shipmentID)
	}
}

// CurrentStage implements the stage guard's confirmed-state source.
func (h *Hydrator) CurrentStage(ctx context.Context, shipmentID string) (contracts.Stage, error) {
	view, err := h.Shipment(ctx, shipmentID)
	if err != nil {
		return "", err
	}
	return view.CurrentStage, nil
}

func (h *Hydrator) rebuild(ctx context.Context, shipmentID string) (*contracts.ShipmentView, error) {
	events, err := h.client.ReadEvents(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("commit: read events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	return foldEvents(shipmentID, events, h.log)
}

// foldEvents replays confirmed events in chain order into a view. Malformed
// event payloads are logged and skipped rather than poisoning the whole
// view.
func foldEvents(shipmentID string, events []chain.Event, log *slog.Logger) (*contracts.ShipmentView, error) {
	view := &contracts.ShipmentView{
		ID:           shipmentID,
		CurrentStage: contracts.StageCreated,
	}
	for _, ev := range events {
		switch contracts.IntentKind(ev.Kind) {
		case contracts.KindCreateShipment:
			var p contracts.CreateShipmentPayload
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				log.Warn("skipping malformed event", "shipment_id", shipmentID, "kind", ev.Kind, "error", err)
				continue
			}
			view.ProductType = p.ProductType
			view.CreatedAt = createdAtOf(p, ev.At)
		case contracts.KindStageUpdate:
			var p contracts.StageUpdatePayload
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				log.Warn("skipping malformed event", "shipment_id", shipmentID, "kind", ev.Kind, "error", err)
				continue
			}
			view.History = append(view.History, contracts.StageEvent{
				From:      p.From,
				To:        p.To,
				ActorRole: p.ActorRole,
				TxRef:     string(ev.Ref),
				At:        ev.At,
			})
			view.CurrentStage = p.To
			view.Final = p.To.Terminal()
		case contracts.KindAlertReport:
			var p contracts.AlertReportPayload
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				log.Warn("skipping malformed event", "shipment_id", shipmentID, "kind", ev.Kind, "error", err)
				continue
			}
			view.Alerts = append(view.Alerts, contracts.AlertRecord{
				Alert:       p.Alert,
				TxRef:       string(ev.Ref),
				ConfirmedAt: ev.At,
			})
		default:
			log.Warn("skipping unknown event kind", "shipment_id", shipmentID, "kind", ev.Kind)
		}
	}
	return view, nil
}

func createdAtOf(p contracts.CreateShipmentPayload, fallback time.Time) time.Time {
	if !p.CreatedAt.IsZero() {
		return p.CreatedAt
	}
	return fallback
}
