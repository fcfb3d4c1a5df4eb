package contracts

import "time"

// CustodyRole identifies which leg of custody a sensor represents.
type CustodyRole string

const (
	RoleTransporter CustodyRole = "transporter"
	RoleRetailer    CustodyRole = "retailer"
)

// Valid reports whether r is a known custody role.
func (r CustodyRole) Valid() bool {
	return r == RoleTransporter || r == RoleRetailer
}

// ActorRole identifies the authenticated caller's role. Credential issuance
// and token validation happen upstream; the core consumes the role as a
// request attribute.
type ActorRole string

const (
	ActorAdmin       ActorRole = "admin"
	ActorProducer    ActorRole = "producer"
	ActorTransporter ActorRole = "transporter"
	ActorRetailer    ActorRole = "retailer"
)

// Sensor is a registered telemetry device with a declared custody role.
type Sensor struct {
	ID            string      `json:"id"`
	Role          CustodyRole `json:"role"`
	Label         string      `json:"label,omitempty"`
	Owner         string      `json:"owner,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitzero"`
}

// Binding is the exclusive association of one sensor to one
// (shipment, custody role) pair.
type Binding struct {
	ShipmentID string      `json:"shipment_id"`
	Role       CustodyRole `json:"role"`
	SensorID   string      `json:"sensor_id"`
	LinkedBy   string      `json:"linked_by"`
	LinkedAt   time.Time   `json:"linked_at"`
}

// Reading is a single immutable telemetry sample.
type Reading struct {
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// WindowSnapshot summarizes the trailing window of a binding at the moment a
// reading was ingested.
type WindowSnapshot struct {
	ShipmentID      string      `json:"shipment_id"`
	Role            CustodyRole `json:"role"`
	SensorID        string      `json:"sensor_id"`
	Samples         int         `json:"samples"`
	MeanTemperature float64     `json:"mean_temperature"`
	MeanHumidity    float64     `json:"mean_humidity"`
	From            time.Time   `json:"from,omitzero"`
	To              time.Time   `json:"to,omitzero"`
	// Stale marks a reading that was older than the window floor: it was
	// appended to the raw log but excluded from the active window.
	Stale bool `json:"stale,omitempty"`
}

// Span returns the covered time span of the window.
func (s WindowSnapshot) Span() time.Duration {
	if s.From.IsZero() || s.To.IsZero() {
		return 0
	}
	return s.To.Sub(s.From)
}
