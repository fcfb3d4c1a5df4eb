// Package violation evaluates window snapshots against per-product threshold
// profiles and decides whether to raise an alert. Dedup state is an explicit
// per-shipment state machine {Nominal, Violating(breachSet)}: one sustained
// excursion raises exactly one alert, and a fresh alert requires the
// condition to clear first.
package violation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// MinSamples is the default minimum window population before any
// evaluation fires; below it the evaluation is a no-op, not an error.
const MinSamples = 3

// Config tunes the detector.
type Config struct {
	// MinSamples gates evaluation on window population. Zero means the
	// package default.
	MinSamples int
	// ClearAfter is how many consecutive in-range evaluations clear a
	// violating shipment. Zero means a single in-range evaluation clears.
	ClearAfter int
}

// shipmentState is the dedup state machine for one shipment.
type shipmentState struct {
	mu        sync.Mutex
	violating bool
	breachSet string
	inRange   int
}

// Detector flags threshold violations on window snapshots.
type Detector struct {
	profiles   ProfileSource
	minSamples int
	clearAfter int
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	states map[string]*shipmentState
}

// NewDetector creates a detector reading thresholds from profiles.
func NewDetector(profiles ProfileSource, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = MinSamples
	}
	clearAfter := cfg.ClearAfter
	if clearAfter <= 0 {
		clearAfter = 1
	}
	return &Detector{
		profiles:   profiles,
		minSamples: minSamples,
		clearAfter: clearAfter,
		logger:     logger,
		now:        time.Now,
		states:     make(map[string]*shipmentState),
	}
}

func (d *Detector) stateFor(shipmentID string) *shipmentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[shipmentID]
	if !ok {
		st = &shipmentState{}
		d.states[shipmentID] = st
	}
	return st
}

// Forget drops a shipment's dedup state. Called when the shipment reaches
// its terminal stage so the state map does not grow with retired shipments.
func (d *Detector) Forget(shipmentID string) {
	d.mu.Lock()
	delete(d.states, shipmentID)
	d.mu.Unlock()
}

// Evaluate checks a snapshot's means against the shipment's product profile.
// It returns nil when the window is under-populated, when the means are in
// range, or when the shipment is already inside the same sustained
// excursion. Evaluations for the same shipment are serialized.
func (d *Detector) Evaluate(ctx context.Context, shipmentID, productType string, snap contracts.WindowSnapshot) (*contracts.Alert, error) {
	if snap.Samples < d.minSamples {
		return nil, nil
	}

	profile, err := d.profiles.GetProfile(productType)
	if err != nil {
		return nil, fmt.Errorf("violation: profile lookup for %q: %w", productType, err)
	}

	breaches := collectBreaches(profile, snap)
	breachSet := contracts.BreachSet(breaches)

	st := d.stateFor(shipmentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(breaches) == 0 {
		if st.violating {
			st.inRange++
			if st.inRange >= d.clearAfter {
				st.violating = false
				st.breachSet = ""
				st.inRange = 0
				d.logger.Info("violation cleared", "shipment", shipmentID)
			}
		}
		return nil, nil
	}

	st.inRange = 0
	if st.violating && st.breachSet == breachSet {
		// Same sustained excursion: no second alert.
		return nil, nil
	}
	st.violating = true
	st.breachSet = breachSet

	alert := &contracts.Alert{
		ID:         uuid.New().String(),
		ShipmentID: shipmentID,
		Role:       snap.Role,
		Type:       alertType(breaches),
		Breaches:   breaches,
		Samples:    snap.Samples,
		RaisedAt:   d.now().UTC(),
	}
	d.logger.Warn("threshold violation",
		"shipment", shipmentID, "product", productType, "breaches", breachSet,
		"mean_temperature", snap.MeanTemperature, "mean_humidity", snap.MeanHumidity)
	return alert, nil
}

// collectBreaches checks both measurements independently so one alert can
// report multiple simultaneous breaches.
func collectBreaches(p Profile, snap contracts.WindowSnapshot) []contracts.Breach {
	var breaches []contracts.Breach
	if snap.MeanTemperature > p.Temperature.Max {
		breaches = append(breaches, contracts.Breach{
			Metric: contracts.MetricTemperature, Bound: contracts.BoundMax,
			Observed: snap.MeanTemperature, Limit: p.Temperature.Max,
		})
	} else if snap.MeanTemperature < p.Temperature.Min {
		breaches = append(breaches, contracts.Breach{
			Metric: contracts.MetricTemperature, Bound: contracts.BoundMin,
			Observed: snap.MeanTemperature, Limit: p.Temperature.Min,
		})
	}
	if snap.MeanHumidity > p.Humidity.Max {
		breaches = append(breaches, contracts.Breach{
			Metric: contracts.MetricHumidity, Bound: contracts.BoundMax,
			Observed: snap.MeanHumidity, Limit: p.Humidity.Max,
		})
	} else if snap.MeanHumidity < p.Humidity.Min {
		breaches = append(breaches, contracts.Breach{
			Metric: contracts.MetricHumidity, Bound: contracts.BoundMin,
			Observed: snap.MeanHumidity, Limit: p.Humidity.Min,
		})
	}
	return breaches
}

func alertType(breaches []contracts.Breach) string {
	if len(breaches) == 1 {
		b := breaches[0]
		switch {
		case b.Metric == contracts.MetricTemperature && b.Bound == contracts.BoundMax:
			return "Temperature Too High"
		case b.Metric == contracts.MetricTemperature && b.Bound == contracts.BoundMin:
			return "Temperature Too Low"
		case b.Metric == contracts.MetricHumidity && b.Bound == contracts.BoundMax:
			return "Humidity Too High"
		default:
			return "Humidity Too Low"
		}
	}
	return "Environmental Excursion"
}
