package stage

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// Authorizer is the capability check consumed by the guard. The
// role-to-transition table is external policy; the guard only asks yes/no.
type Authorizer interface {
	IsAuthorized(ctx context.Context, actor contracts.ActorRole, shipmentID string, from, to contracts.Stage) (bool, error)
}

// CELAuthorizer evaluates the role-to-transition policy as CEL expressions
// over {actor_role, shipment_id, from_stage, to_stage}. A transition is
// authorized when any rule evaluates to true. Programs are compiled once at
// construction.
type CELAuthorizer struct {
	rules    []string
	programs []cel.Program
}

// DefaultPolicy is the stock role-to-transition table: producers move goods
// into Harvested, transporters through transit, retailers to the shelf.
// Admins may drive any transition.
func DefaultPolicy() []string {
	return []string{
		`actor_role == "admin"`,
		`actor_role == "producer" && to_stage == "Harvested"`,
		`actor_role == "transporter" && to_stage in ["In Transit", "At Retailer"]`,
		`actor_role == "retailer" && to_stage in ["At Retailer", "Selling"]`,
	}
}

// NewCELAuthorizer compiles the policy rules.
func NewCELAuthorizer(rules []string) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_role", cel.StringType),
		cel.Variable("shipment_id", cel.StringType),
		cel.Variable("from_stage", cel.StringType),
		cel.Variable("to_stage", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("stage: cel environment: %w", err)
	}

	a := &CELAuthorizer{rules: rules}
	for i, rule := range rules {
		ast, iss := env.Compile(rule)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("stage: compile policy rule %d: %w", i, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("stage: program for policy rule %d: %w", i, err)
		}
		a.programs = append(a.programs, prg)
	}
	return a, nil
}

// IsAuthorized reports whether any policy rule allows the transition.
func (a *CELAuthorizer) IsAuthorized(ctx context.Context, actor contracts.ActorRole, shipmentID string, from, to contracts.Stage) (bool, error) {
	input := map[string]any{
		"actor_role":  string(actor),
		"shipment_id": shipmentID,
		"from_stage":  string(from),
		"to_stage":    string(to),
	}
	for i, prg := range a.programs {
		out, _, err := prg.ContextEval(ctx, input)
		if err != nil {
			return false, fmt.Errorf("stage: evaluate policy rule %d: %w", i, err)
		}
		if allowed, ok := out.Value().(bool); ok && allowed {
			return true, nil
		}
	}
	return false, nil
}
