// Package telemetry maintains per-binding sliding windows of sensor readings
// and produces the window snapshots the violation detector evaluates.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// DefaultWindowSpan is the trailing interval readings are averaged over.
const DefaultWindowSpan = 30 * time.Minute

// ReadingLog is the append-only raw reading store. Every accepted reading
// lands here, including stale ones excluded from the active window; windows
// are derived state, rebuildable from this log.
type ReadingLog interface {
	Append(ctx context.Context, shipmentID string, role contracts.CustodyRole, r contracts.Reading) error
	Recent(ctx context.Context, shipmentID string, limit int) ([]contracts.Reading, error)
}

type pairKey struct {
	shipment string
	role     contracts.CustodyRole
}

// Aggregator ingests readings for live bindings. Ingest for distinct
// (shipment, role) pairs runs fully in parallel; work on the same pair is
// linearized through the registry's per-pair critical section.
type Aggregator struct {
	registry *binding.Registry
	log      ReadingLog
	span     time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	windows map[pairKey]*window
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindowSpan overrides the trailing window span.
func WithWindowSpan(span time.Duration) Option {
	return func(a *Aggregator) { a.span = span }
}

// WithReadingLog attaches a raw reading log.
func WithReadingLog(log ReadingLog) Option {
	return func(a *Aggregator) { a.log = log }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// NewAggregator creates an Aggregator subscribed to the registry's
// binding-change events, so a superseded or unbound sensor's window is
// flushed inside the same critical section that swapped the binding.
func NewAggregator(reg *binding.Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry: reg,
		span:     DefaultWindowSpan,
		logger:   slog.Default(),
		windows:  make(map[pairKey]*window),
	}
	for _, opt := range opts {
		opt(a)
	}
	reg.OnChange(a.onBindingChange)
	return a
}

func (a *Aggregator) onBindingChange(ev binding.ChangeEvent) {
	switch ev.Type {
	case binding.ChangeBound:
		key := pairKey{shipment: ev.Binding.ShipmentID, role: ev.Binding.Role}
		a.windowFor(key, ev.Binding.SensorID).reset(ev.Binding.SensorID)
	case binding.ChangeSuperseded, binding.ChangeUnbound:
		key := pairKey{shipment: ev.Prev.ShipmentID, role: ev.Prev.Role}
		a.mu.Lock()
		delete(a.windows, key)
		a.mu.Unlock()
	}
}

func (a *Aggregator) windowFor(key pairKey, sensorID string) *window {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[key]
	if !ok {
		w = newWindow(sensorID, a.span)
		a.windows[key] = w
	}
	return w
}

// Ingest validates that the sensor holds a live binding, appends the reading
// to that binding's window (evicting entries older than the span relative to
// the reading's timestamp), records it in the raw log, and returns a window
// snapshot. Readings older than the current window floor are kept in the raw
// log but excluded from the active window; the returned snapshot is marked
// stale.
func (a *Aggregator) Ingest(ctx context.Context, sensorID string, r contracts.Reading) (contracts.WindowSnapshot, error) {
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now().UTC()
	}
	r.SensorID = sensorID

	var snap contracts.WindowSnapshot
	err := a.registry.WithBinding(sensorID, func(b *contracts.Binding) error {
		key := pairKey{shipment: b.ShipmentID, role: b.Role}
		w := a.windowFor(key, b.SensorID)

		stats, admitted := w.add(r)
		snap = contracts.WindowSnapshot{
			ShipmentID:      b.ShipmentID,
			Role:            b.Role,
			SensorID:        b.SensorID,
			Samples:         stats.samples,
			MeanTemperature: stats.meanTemp,
			MeanHumidity:    stats.meanHum,
			From:            stats.from,
			To:              stats.to,
			Stale:           !admitted,
		}

		if a.log != nil {
			if err := a.log.Append(ctx, b.ShipmentID, b.Role, r); err != nil {
				return fmt.Errorf("telemetry: raw log append: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return contracts.WindowSnapshot{}, err
	}

	a.registry.Heartbeat(sensorID, r.CapturedAt)
	if snap.Stale {
		a.logger.Debug("stale reading excluded from window",
			"sensor", sensorID, "shipment", snap.ShipmentID, "captured_at", r.CapturedAt)
	}
	return snap, nil
}

// Recent returns the most recent raw readings for a shipment, newest first.
func (a *Aggregator) Recent(ctx context.Context, shipmentID string, limit int) ([]contracts.Reading, error) {
	if a.log == nil {
		return nil, nil
	}
	return a.log.Recent(ctx, shipmentID, limit)
}
