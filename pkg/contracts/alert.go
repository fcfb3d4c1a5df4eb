package contracts

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BreachMetric names the measurement that breached a profile bound.
type BreachMetric string

const (
	MetricTemperature BreachMetric = "temperature"
	MetricHumidity    BreachMetric = "humidity"
)

// BreachBound names which side of the acceptable range was crossed.
type BreachBound string

const (
	BoundMin BreachBound = "min"
	BoundMax BreachBound = "max"
)

// Breach describes one bound violated by a window mean.
type Breach struct {
	Metric   BreachMetric `json:"metric"`
	Bound    BreachBound  `json:"bound"`
	Observed float64      `json:"observed"`
	Limit    float64      `json:"limit"`
}

func (b Breach) String() string {
	return fmt.Sprintf("%s %s %.2f (limit %.2f)", b.Metric, b.Bound, b.Observed, b.Limit)
}

// BreachSet is a canonical identifier for a set of breached bounds, used to
// distinguish one sustained excursion from the next.
func BreachSet(breaches []Breach) string {
	keys := make([]string, 0, len(breaches))
	for _, b := range breaches {
		keys = append(keys, string(b.Metric)+"."+string(b.Bound))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Alert is raised by the violation detector when a window's means fall
// outside the product profile. Immutable once committed.
type Alert struct {
	ID         string      `json:"id"`
	ShipmentID string      `json:"shipment_id"`
	Role       CustodyRole `json:"role"`
	Type       string      `json:"type"`
	Breaches   []Breach    `json:"breaches"`
	Samples    int         `json:"samples"`
	RaisedAt   time.Time   `json:"raised_at"`
}

// AlertRecord is an alert as read back from the ledger, with its receipt.
type AlertRecord struct {
	Alert
	TxRef       string    `json:"tx_ref"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
