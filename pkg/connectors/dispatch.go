package connectors

import (
	"context"
	"strings"

	"github.com/deplyx/deplyx/pkg/change"
)

// Dispatcher routes change validation and execution to the connector that owns
// the targeted components. Ownership is by node-id namespace: "aws:" targets
// belong to an awsvpc connector, "k8s:" targets to a kubernetes connector.
// Changes whose targets live outside every connector's namespace (hand-modeled
// topology nodes) pass through unrouted: there is no external system to ask.
type Dispatcher struct {
	conns []Connector
}

// NewDispatcher builds a dispatcher over the wired connectors.
func NewDispatcher(conns ...Connector) *Dispatcher {
	return &Dispatcher{conns: conns}
}

// Validate asks the owning connector to confirm the change's targets exist.
func (d *Dispatcher) Validate(ctx context.Context, c *change.Change) error {
	conn := d.route(c)
	if conn == nil {
		return nil
	}
	return conn.ValidateChange(ctx, c)
}

// Apply hands the change to the owning connector and returns its receipt.
func (d *Dispatcher) Apply(ctx context.Context, c *change.Change) (string, error) {
	conn := d.route(c)
	if conn == nil {
		return "", nil
	}
	return conn.ApplyChange(ctx, c)
}

func (d *Dispatcher) route(c *change.Change) Connector {
	for _, target := range c.TargetComponents {
		var want string
		switch {
		case strings.HasPrefix(target, "aws:"):
			want = "awsvpc"
		case strings.HasPrefix(target, "k8s:"):
			want = "kubernetes"
		default:
			continue
		}
		for _, conn := range d.conns {
			if conn.Type() == want {
				return conn
			}
		}
	}
	return nil
}
