package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coldtrace-labs/coldtrace/core/pkg/audit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
	"github.com/coldtrace-labs/coldtrace/core/pkg/stage"
	"github.com/coldtrace-labs/coldtrace/core/pkg/telemetry"
	"github.com/coldtrace-labs/coldtrace/core/pkg/violation"
)

// Committer submits intents to the ledger commit orchestrator.
type Committer interface {
	Submit(ctx context.Context, intent contracts.CommitIntent) (*contracts.CommitReceipt, error)
}

// ShipmentReader serves hydrated shipment views.
type ShipmentReader interface {
	Shipment(ctx context.Context, shipmentID string) (*contracts.ShipmentView, error)
	Invalidate(ctx context.Context, shipmentID string)
}

// PipelineMetrics receives ingestion-path measurements. Satisfied by the
// observability provider; nil disables instrumentation.
type PipelineMetrics interface {
	ReadingIngested(ctx context.Context, role string)
	AlertRaised(ctx context.Context, alertType string)
}

// ReadingResult is the outcome of one ingested reading.
type ReadingResult struct {
	Snapshot contracts.WindowSnapshot `json:"snapshot"`
	Alert    *contracts.Alert         `json:"alert,omitempty"`
}

// Service composes the custody pipeline behind the exposed surface. HTTP
// handlers and the stream consumer both go through it, so every producer
// follows the same ingestion contract.
type Service struct {
	registry   *binding.Registry
	aggregator *telemetry.Aggregator
	detector   *violation.Detector
	guard      *stage.Guard
	committer  Committer
	views      ShipmentReader
	trail      *audit.Logger
	metrics    PipelineMetrics
	log        *slog.Logger
}

// SetMetrics attaches pipeline instrumentation.
func (s *Service) SetMetrics(m PipelineMetrics) { s.metrics = m }

func NewService(
	registry *binding.Registry,
	aggregator *telemetry.Aggregator,
	detector *violation.Detector,
	guard *stage.Guard,
	committer Committer,
	views ShipmentReader,
	trail *audit.Logger,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		registry:   registry,
		aggregator: aggregator,
		detector:   detector,
		guard:      guard,
		committer:  committer,
		views:      views,
		trail:      trail,
		log:        log.With("component", "service"),
	}
	registry.OnChange(s.auditBindingChange)
	return s
}

func (s *Service) auditBindingChange(ev binding.ChangeEvent) {
	var typ audit.EventType
	b := ev.Binding
	switch ev.Type {
	case binding.ChangeBound:
		typ = audit.EventBindingBound
	case binding.ChangeSuperseded:
		typ = audit.EventBindingSuperseded
		b = ev.Prev
	case binding.ChangeUnbound:
		typ = audit.EventBindingUnbound
		b = ev.Prev
	default:
		return
	}
	if b == nil {
		return
	}
	s.trail.Record(typ, b.ShipmentID, b.SensorID, map[string]string{"role": string(b.Role)})
}

// RegisterSensor adds a sensor to the fleet under its declared custody role.
func (s *Service) RegisterSensor(id string, role contracts.CustodyRole, label, owner string) (*contracts.Sensor, error) {
	return s.registry.RegisterSensor(id, role, label, owner)
}

// ListSensors enumerates the fleet, optionally filtered by role and owner.
func (s *Service) ListSensors(role contracts.CustodyRole, owner string) []*contracts.Sensor {
	return s.registry.ListSensors(role, owner)
}

// BindSensor links a sensor to a (shipment, role) slot, superseding any
// current holder atomically.
func (s *Service) BindSensor(shipmentID string, role contracts.CustodyRole, sensorID, actor string) (*contracts.Binding, error) {
	return s.registry.Bind(shipmentID, role, sensorID, actor)
}

// UnbindSensor releases a (shipment, role) slot.
func (s *Service) UnbindSensor(shipmentID string, role contracts.CustodyRole) error {
	return s.registry.Unbind(shipmentID, role)
}

// SensorBinding reports the live binding of a sensor, if any.
func (s *Service) SensorBinding(sensorID string) (*contracts.Binding, error) {
	return s.registry.Lookup(sensorID)
}

// SubmitReading runs the ingestion pipeline for one reading: window
// aggregation under the sensor's binding, then threshold evaluation against
// the shipment's product profile. A raised alert is committed to the ledger
// asynchronously; confirmation never blocks ingestion.
func (s *Service) SubmitReading(ctx context.Context, sensorID string, r contracts.Reading) (*ReadingResult, error) {
	snap, err := s.aggregator.Ingest(ctx, sensorID, r)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ReadingIngested(ctx, string(snap.Role))
	}

	alert, err := s.detector.Evaluate(ctx, snap.ShipmentID, s.productTypeOf(ctx, snap.ShipmentID), snap)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		if s.metrics != nil {
			s.metrics.AlertRaised(ctx, alert.Type)
		}
		s.trail.Record(audit.EventAlertRaised, alert.ShipmentID, alert.ID,
			map[string]string{"type": alert.Type, "role": string(alert.Role)})
		go s.commitAlert(*alert)
	}
	return &ReadingResult{Snapshot: snap, Alert: alert}, nil
}

// productTypeOf reads the product type from the confirmed view. A shipment
// the ledger does not know yet falls back to the default profile.
func (s *Service) productTypeOf(ctx context.Context, shipmentID string) string {
	view, err := s.views.Shipment(ctx, shipmentID)
	if err != nil {
		if !errors.Is(err, commit.ErrShipmentNotFound) {
			s.log.Warn("view lookup failed, using default profile", "shipment", shipmentID, "error", err)
		}
		return ""
	}
	return view.ProductType
}

func (s *Service) commitAlert(alert contracts.Alert) {
	payload, err := json.Marshal(contracts.AlertReportPayload{Alert: alert})
	if err != nil {
		s.log.Error("encode alert payload", "alert", alert.ID, "error", err)
		return
	}
	receipt, err := s.committer.Submit(context.Background(), contracts.CommitIntent{
		Kind:       contracts.KindAlertReport,
		ShipmentID: alert.ShipmentID,
		Payload:    payload,
	})
	if err != nil {
		s.trail.Record(audit.EventCommitFailed, alert.ShipmentID, alert.ID, map[string]string{"error": err.Error()})
		s.log.Error("alert commit failed", "alert", alert.ID, "shipment", alert.ShipmentID, "error", err)
		return
	}
	s.trail.Record(audit.EventCommitConfirmed, alert.ShipmentID, alert.ID, map[string]string{"tx_ref": receipt.TxRef})
	s.views.Invalidate(context.Background(), alert.ShipmentID)
}

// RecentReadings returns the raw reading log for a shipment, newest first.
func (s *Service) RecentReadings(ctx context.Context, shipmentID string, limit int) ([]contracts.Reading, error) {
	return s.aggregator.Recent(ctx, shipmentID, limit)
}

// CreateShipment commits a new shipment to the ledger and returns its view.
func (s *Service) CreateShipment(ctx context.Context, productType, createdBy string) (*contracts.ShipmentView, error) {
	if productType == "" {
		return nil, fmt.Errorf("api: product type required")
	}
	id := uuid.NewString()
	payload, err := json.Marshal(contracts.CreateShipmentPayload{
		ShipmentID:  id,
		ProductType: productType,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("api: encode shipment: %w", err)
	}
	receipt, err := s.committer.Submit(ctx, contracts.CommitIntent{
		Kind:       contracts.KindCreateShipment,
		ShipmentID: id,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	s.trail.Record(audit.EventCommitConfirmed, id, "", map[string]string{"tx_ref": receipt.TxRef, "kind": string(contracts.KindCreateShipment)})
	s.views.Invalidate(ctx, id)
	return s.views.Shipment(ctx, id)
}

// UpdateStage requests a lifecycle transition through the stage guard.
func (s *Service) UpdateStage(ctx context.Context, shipmentID string, target contracts.Stage, actor contracts.ActorRole) (*contracts.StageTransition, *contracts.CommitReceipt, error) {
	transition, receipt, err := s.guard.Transition(ctx, shipmentID, target, actor)
	if err != nil {
		var rej *stage.RejectionError
		if errors.As(err, &rej) {
			s.trail.Record(audit.EventStageRejected, shipmentID, string(actor),
				map[string]string{"to": string(target), "reason": string(rej.Reason)})
		}
		return nil, nil, err
	}
	s.trail.Record(audit.EventStageAccepted, shipmentID, string(actor),
		map[string]string{"from": string(transition.From), "to": string(transition.To), "tx_ref": receipt.TxRef})
	if transition.To.Terminal() {
		// Nothing more can happen to this shipment; drop its dedup state.
		s.detector.Forget(shipmentID)
	}
	return transition, receipt, nil
}

// GetShipment returns the confirmed view of a shipment.
func (s *Service) GetShipment(ctx context.Context, shipmentID string) (*contracts.ShipmentView, error) {
	return s.views.Shipment(ctx, shipmentID)
}
