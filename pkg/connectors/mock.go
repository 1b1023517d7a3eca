package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
)

// Mock is an in-memory connector for tests and demos. Its batch is settable,
// and it can be told to fail the next N syncs to exercise retry paths.
type Mock struct {
	id string

	mu        sync.Mutex
	mutations []graph.Mutation
	failures  int
	syncs     int
	applied   []string
}

// NewMock builds a mock connector with an empty batch.
func NewMock(id string) *Mock {
	return &Mock{id: id}
}

func (m *Mock) ID() string   { return m.id }
func (m *Mock) Type() string { return "mock" }

// SetBatch replaces the mutations the next Sync will report.
func (m *Mock) SetBatch(muts []graph.Mutation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append([]graph.Mutation(nil), muts...)
}

// FailNext makes the following n Sync calls return an error.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// SyncCount reports how many Sync calls were attempted.
func (m *Mock) SyncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// Applied returns the ids of changes applied through this connector.
func (m *Mock) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

func (m *Mock) Sync(ctx context.Context) (*graph.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("mock connector %s: simulated sync failure", m.id)
	}
	return &graph.Batch{
		ConnectorID: m.id,
		ObservedAt:  time.Now().UTC(),
		Mutations:   append([]graph.Mutation(nil), m.mutations...),
	}, nil
}

func (m *Mock) ValidateChange(ctx context.Context, c *change.Change) error {
	if len(c.TargetComponents) == 0 {
		return &change.ValidationError{Field: "target_components", Reason: "must not be empty"}
	}
	return nil
}

func (m *Mock) SimulateChange(ctx context.Context, c *change.Change) (*Simulation, error) {
	return &Simulation{
		ConnectorID: m.id,
		Feasible:    true,
		Summary:     fmt.Sprintf("%s on %d component(s) simulated", c.Action, len(c.TargetComponents)),
	}, nil
}

func (m *Mock) ApplyChange(ctx context.Context, c *change.Change) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, c.ID)
	return "mock-receipt-" + c.ID, nil
}
