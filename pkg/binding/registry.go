// Package binding owns the exclusive mapping of (shipment, custody role) to
// sensor. Bind atomically supersedes a prior binding for the same pair, so a
// concurrent Lookup observes either the old or the new binding, never both
// and never neither. Exclusivity is per pair: transporter and retailer
// bindings on the same shipment are independent.
package binding

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

var (
	// ErrBindingNotFound is returned for lookups on unbound or superseded
	// sensors. Local and non-retryable: the caller must re-bind.
	ErrBindingNotFound = errors.New("binding: sensor not bound")
	// ErrSensorNotRegistered is returned when binding an unknown sensor.
	ErrSensorNotRegistered = errors.New("binding: sensor not registered")
	// ErrRoleMismatch is returned when a sensor's declared custody role does
	// not match the requested binding role.
	ErrRoleMismatch = errors.New("binding: sensor role does not match binding role")
	// ErrSensorExists is returned when registering an id already in the
	// fleet.
	ErrSensorExists = errors.New("binding: sensor already registered")
)

// ChangeType classifies a binding-change event.
type ChangeType string

const (
	ChangeBound      ChangeType = "bound"
	ChangeSuperseded ChangeType = "superseded"
	ChangeUnbound    ChangeType = "unbound"
)

// ChangeEvent notifies subscribers of binding mutations. Prev carries the
// superseded or removed binding when present.
type ChangeEvent struct {
	Type    ChangeType
	Binding *contracts.Binding
	Prev    *contracts.Binding
}

// ChangeFunc receives binding-change events. Invoked synchronously inside
// the pair's critical section; subscribers must not call back into the
// registry.
type ChangeFunc func(ChangeEvent)

type pairKey struct {
	shipment string
	role     contracts.CustodyRole
}

// slot is the versioned entry for one (shipment, role) pair. Its mutex is
// the linearization point for bind/unbind/lookup on that pair, keeping
// unrelated shipments independent.
type slot struct {
	mu      sync.Mutex
	binding *contracts.Binding
}

// Registry holds sensor registrations and live bindings.
type Registry struct {
	slots    sync.Map // pairKey -> *slot
	bySensor sync.Map // sensor id -> *slot
	moves    sync.Map // sensor id -> *sync.Mutex, serializes re-binds of one sensor

	sensorsMu sync.RWMutex
	sensors   map[string]*contracts.Sensor

	subsMu sync.RWMutex
	subs   []ChangeFunc

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sensors: make(map[string]*contracts.Sensor),
		now:     time.Now,
	}
}

// OnChange registers a subscriber for binding-change events.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) publish(ev ChangeEvent) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, fn := range r.subs {
		fn(ev)
	}
}

// RegisterSensor records a sensor and its declared custody role.
func (r *Registry) RegisterSensor(id string, role contracts.CustodyRole, label, owner string) (*contracts.Sensor, error) {
	if id == "" {
		return nil, fmt.Errorf("binding: empty sensor id")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("binding: invalid custody role %q", role)
	}
	s := &contracts.Sensor{
		ID:           id,
		Role:         role,
		Label:        label,
		Owner:        owner,
		RegisteredAt: r.now().UTC(),
	}
	r.sensorsMu.Lock()
	defer r.sensorsMu.Unlock()
	if _, ok := r.sensors[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSensorExists, id)
	}
	r.sensors[id] = s
	return cloneSensor(s), nil
}

// GetSensor returns a registered sensor.
func (r *Registry) GetSensor(id string) (*contracts.Sensor, error) {
	r.sensorsMu.RLock()
	defer r.sensorsMu.RUnlock()
	s, ok := r.sensors[id]
	if !ok {
		return nil, ErrSensorNotRegistered
	}
	return cloneSensor(s), nil
}

// ListSensors returns registered sensors, optionally filtered by role and
// owner. Empty filter values match everything.
func (r *Registry) ListSensors(role contracts.CustodyRole, owner string) []*contracts.Sensor {
	r.sensorsMu.RLock()
	defer r.sensorsMu.RUnlock()
	var out []*contracts.Sensor
	for _, s := range r.sensors {
		if role != "" && s.Role != role {
			continue
		}
		if owner != "" && s.Owner != owner {
			continue
		}
		out = append(out, cloneSensor(s))
	}
	return out
}

// Heartbeat records the latest telemetry arrival time for a sensor.
func (r *Registry) Heartbeat(sensorID string, at time.Time) {
	r.sensorsMu.Lock()
	defer r.sensorsMu.Unlock()
	if s, ok := r.sensors[sensorID]; ok {
		s.LastHeartbeat = at.UTC()
	}
}

func (r *Registry) slotFor(key pairKey) *slot {
	if v, ok := r.slots.Load(key); ok {
		return v.(*slot)
	}
	v, _ := r.slots.LoadOrStore(key, &slot{})
	return v.(*slot)
}

func (r *Registry) moveLock(sensorID string) *sync.Mutex {
	if v, ok := r.moves.Load(sensorID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := r.moves.LoadOrStore(sensorID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// releaseElsewhere unlinks the sensor from whatever pair currently holds it,
// unless that pair is the bind target. Keeps exclusivity across pairs: a
// sensor re-bound to a new shipment is auto-unlinked from the old one.
func (r *Registry) releaseElsewhere(sensorID string, target pairKey) {
	v, ok := r.bySensor.Load(sensorID)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	b := sl.binding
	if b != nil && b.SensorID == sensorID &&
		(b.ShipmentID != target.shipment || b.Role != target.role) {
		sl.binding = nil
		r.bySensor.Delete(sensorID)
		r.publish(ChangeEvent{Type: ChangeUnbound, Prev: cloneBinding(b)})
	}
	sl.mu.Unlock()
}

// Bind links a sensor to a (shipment, role) pair. A live binding for the
// same pair is replaced in one indivisible step: the old sensor is
// deregistered and the new one registered inside the pair's critical
// section. A sensor already bound to a different pair is first unlinked
// there, so a sensor never serves two pairs. The sensor's declared role
// must match the binding role.
func (r *Registry) Bind(shipmentID string, role contracts.CustodyRole, sensorID, actor string) (*contracts.Binding, error) {
	if shipmentID == "" {
		return nil, fmt.Errorf("binding: empty shipment id")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("binding: invalid custody role %q", role)
	}
	sensor, err := r.GetSensor(sensorID)
	if err != nil {
		return nil, err
	}
	if sensor.Role != role {
		return nil, fmt.Errorf("%w: sensor %s is %s", ErrRoleMismatch, sensorID, sensor.Role)
	}

	key := pairKey{shipment: shipmentID, role: role}

	// Serialize re-binds of this sensor so two concurrent moves cannot leave
	// it claimed by two pairs, then unlink it from any pair it still holds.
	move := r.moveLock(sensorID)
	move.Lock()
	defer move.Unlock()
	r.releaseElsewhere(sensorID, key)

	sl := r.slotFor(key)
	sl.mu.Lock()
	prev := sl.binding
	if prev != nil && prev.SensorID == sensorID {
		// Re-binding the same sensor to the same pair is a no-op.
		b := cloneBinding(prev)
		sl.mu.Unlock()
		return b, nil
	}
	next := &contracts.Binding{
		ShipmentID: shipmentID,
		Role:       role,
		SensorID:   sensorID,
		LinkedBy:   actor,
		LinkedAt:   r.now().UTC(),
	}
	// Register the new sensor before swapping so a lookup that loads the
	// slot blocks on the mutex and then observes the new binding.
	r.bySensor.Store(sensorID, sl)
	sl.binding = next
	if prev != nil {
		r.bySensor.Delete(prev.SensorID)
	}
	// Events fire inside the critical section so subscribers (the
	// aggregator's window flush) cannot interleave with an ingest on the
	// same pair.
	if prev != nil {
		r.publish(ChangeEvent{Type: ChangeSuperseded, Binding: cloneBinding(next), Prev: cloneBinding(prev)})
	}
	r.publish(ChangeEvent{Type: ChangeBound, Binding: cloneBinding(next), Prev: cloneBinding(prev)})
	sl.mu.Unlock()

	return cloneBinding(next), nil
}

// Unbind removes the live binding for a (shipment, role) pair. Unbinding a
// pair with no live binding is a no-op.
func (r *Registry) Unbind(shipmentID string, role contracts.CustodyRole) error {
	if !role.Valid() {
		return fmt.Errorf("binding: invalid custody role %q", role)
	}
	key := pairKey{shipment: shipmentID, role: role}
	v, ok := r.slots.Load(key)
	if !ok {
		return nil
	}
	sl := v.(*slot)

	sl.mu.Lock()
	prev := sl.binding
	if prev == nil {
		sl.mu.Unlock()
		return nil
	}
	sl.binding = nil
	r.bySensor.Delete(prev.SensorID)
	r.publish(ChangeEvent{Type: ChangeUnbound, Prev: cloneBinding(prev)})
	sl.mu.Unlock()
	return nil
}

// Lookup resolves a sensor to its live binding. Superseded and unbound
// sensors fail with ErrBindingNotFound.
func (r *Registry) Lookup(sensorID string) (*contracts.Binding, error) {
	v, ok := r.bySensor.Load(sensorID)
	if !ok {
		return nil, ErrBindingNotFound
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.binding == nil || sl.binding.SensorID != sensorID {
		return nil, ErrBindingNotFound
	}
	return cloneBinding(sl.binding), nil
}

// WithBinding resolves a sensor's live binding and runs fn while holding the
// pair's critical section, so a concurrent bind or unbind on the same pair
// cannot interleave with fn. The aggregator uses this to attribute a reading
// to exactly the binding that was live when it was accepted. fn must not call
// back into the registry.
func (r *Registry) WithBinding(sensorID string, fn func(b *contracts.Binding) error) error {
	v, ok := r.bySensor.Load(sensorID)
	if !ok {
		return ErrBindingNotFound
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.binding == nil || sl.binding.SensorID != sensorID {
		return ErrBindingNotFound
	}
	return fn(cloneBinding(sl.binding))
}

// BindingFor returns the live binding for a (shipment, role) pair.
func (r *Registry) BindingFor(shipmentID string, role contracts.CustodyRole) (*contracts.Binding, error) {
	v, ok := r.slots.Load(pairKey{shipment: shipmentID, role: role})
	if !ok {
		return nil, ErrBindingNotFound
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.binding == nil {
		return nil, ErrBindingNotFound
	}
	return cloneBinding(sl.binding), nil
}

func cloneSensor(s *contracts.Sensor) *contracts.Sensor {
	c := *s
	return &c
}

func cloneBinding(b *contracts.Binding) *contracts.Binding {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}
