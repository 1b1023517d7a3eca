package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
)

// Connector is the integration surface for one external system. Sync pulls
// the system's current topology as a mutation batch; the change-facing
// methods pass validation, simulation, and execution through to the system
// that owns the targeted components.
type Connector interface {
	ID() string
	Type() string
	Sync(ctx context.Context) (*graph.Batch, error)
	ValidateChange(ctx context.Context, c *change.Change) error
	SimulateChange(ctx context.Context, c *change.Change) (*Simulation, error)
	ApplyChange(ctx context.Context, c *change.Change) (receipt string, err error)
}

// Simulation is a connector's dry-run report for a proposed change.
type Simulation struct {
	ConnectorID string   `json:"connector_id"`
	Feasible    bool     `json:"feasible"`
	Summary     string   `json:"summary"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Config carries the settings a factory needs to build a connector instance.
// Fields that do not apply to a given type are ignored by its factory.
type Config struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Environment string            `yaml:"environment"`
	Region      string            `yaml:"region"`
	Profile     string            `yaml:"profile"`
	Kubeconfig  string            `yaml:"kubeconfig"`
	Settings    map[string]string `yaml:"settings"`
}

// Factory builds a connector from its config.
type Factory func(cfg Config) (Connector, error)

// Registry maps connector type names to factories. The type set is closed at
// wiring time: asking for an unregistered type is a validation error, not a
// fallback to some default.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in connector types.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("mock", func(cfg Config) (Connector, error) { return NewMock(cfg.ID), nil })
	r.Register("awsvpc", func(cfg Config) (Connector, error) { return NewAWSVPC(cfg) })
	r.Register("kubernetes", func(cfg Config) (Connector, error) { return NewKubernetes(cfg) })
	return r
}

// Register installs a factory for a type name, replacing any previous one.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds a connector of the given type.
func (r *Registry) New(cfg Config) (Connector, error) {
	if cfg.ID == "" {
		return nil, &change.ValidationError{Field: "id", Reason: "connector id must not be empty"}
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &change.ValidationError{Field: "type",
			Reason: fmt.Sprintf("unknown connector type %q", cfg.Type)}
	}
	return f(cfg)
}
