package telemetry

import (
	"sync"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// sample is one reading admitted to a window.
type sample struct {
	at          time.Time
	temperature float64
	humidity    float64
}

// window is the trailing per-binding set of readings used for averaging.
// The floor only ever moves forward: it trails the newest accepted
// timestamp by the configured span, so out-of-order arrivals within the
// window are admitted in place while stale readings below the floor are
// excluded without retroactive reordering.
type window struct {
	mu       sync.Mutex
	sensorID string
	span     time.Duration
	samples  []sample
	newest   time.Time
}

func newWindow(sensorID string, span time.Duration) *window {
	return &window{sensorID: sensorID, span: span}
}

// reset clears the window for a newly bound sensor.
func (w *window) reset(sensorID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sensorID = sensorID
	w.samples = nil
	w.newest = time.Time{}
}

// floor returns the oldest admissible timestamp. Zero until the first
// sample arrives.
func (w *window) floor() time.Time {
	if w.newest.IsZero() {
		return time.Time{}
	}
	return w.newest.Add(-w.span)
}

// add admits a reading, evicts entries older than the span relative to the
// newest accepted timestamp, and returns a snapshot. Readings older than
// the current floor are rejected from the window (admitted=false); the
// caller keeps them in the raw log.
func (w *window) add(r contracts.Reading) (snap windowStats, admitted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := r.CapturedAt.UTC()
	if !w.newest.IsZero() && at.Before(w.floor()) {
		return w.statsLocked(), false
	}

	// Insert in timestamp order; out-of-order arrivals within the window
	// land in place.
	i := len(w.samples)
	for i > 0 && w.samples[i-1].at.After(at) {
		i--
	}
	w.samples = append(w.samples, sample{})
	copy(w.samples[i+1:], w.samples[i:])
	w.samples[i] = sample{at: at, temperature: r.Temperature, humidity: r.Humidity}

	if at.After(w.newest) {
		w.newest = at
	}
	w.evictLocked()
	return w.statsLocked(), true
}

// evictLocked drops samples older than the floor.
func (w *window) evictLocked() {
	floor := w.floor()
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(floor) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

type windowStats struct {
	samples  int
	meanTemp float64
	meanHum  float64
	from     time.Time
	to       time.Time
}

func (w *window) statsLocked() windowStats {
	n := len(w.samples)
	if n == 0 {
		return windowStats{}
	}
	var st windowStats
	st.samples = n
	for _, s := range w.samples {
		st.meanTemp += s.temperature
		st.meanHum += s.humidity
	}
	st.meanTemp /= float64(n)
	st.meanHum /= float64(n)
	st.from = w.samples[0].at
	st.to = w.samples[n-1].at
	return st
}
