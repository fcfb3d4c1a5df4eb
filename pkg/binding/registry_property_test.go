//go:build property
// +build property

package binding_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// For any sequence of bind requests on the same (shipment, role) pair, the
// sensor observed via Lookup is always the most recently bound one, and every
// superseded sensor resolves to ErrBindingNotFound.
func TestBindSequence_LastBindWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("lookup observes the most recent binding", prop.ForAll(
		func(seq []uint8) bool {
			r := binding.NewRegistry()
			sensors := make([]string, 8)
			for i := range sensors {
				sensors[i] = fmt.Sprintf("tr-%d", i)
				if _, err := r.RegisterSensor(sensors[i], contracts.RoleTransporter, "", "prop"); err != nil {
					return false
				}
			}

			last := ""
			for _, pick := range seq {
				id := sensors[int(pick)%len(sensors)]
				if _, err := r.Bind("ship-p", contracts.RoleTransporter, id, "prop"); err != nil {
					return false
				}
				last = id
			}
			if last == "" {
				_, err := r.BindingFor("ship-p", contracts.RoleTransporter)
				return err == binding.ErrBindingNotFound
			}

			got, err := r.Lookup(last)
			if err != nil || got.SensorID != last {
				return false
			}
			for _, id := range sensors {
				_, err := r.Lookup(id)
				if id == last {
					if err != nil {
						return false
					}
				} else if err != binding.ErrBindingNotFound {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
