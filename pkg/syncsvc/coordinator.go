package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/connectors"
	"github.com/deplyx/deplyx/pkg/graph"
)

// Status is a connector's health as seen by the coordinator.
type Status string

const (
	StatusPending Status = "pending" // registered, never synced
	StatusActive  Status = "active"  // last cycle applied cleanly
	StatusError   Status = "error"   // last cycle exhausted its retries
)

// State is the coordinator's record for one connector. Every connector runs
// in pull mode on the shared interval; SyncNow adds an on-demand cycle on top.
type State struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Status        Status        `json:"status"`
	Mode          string        `json:"mode"`
	Interval      time.Duration `json:"interval"`
	LastSyncAt    *time.Time    `json:"last_sync_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastBatchSize int           `json:"last_batch_size"`
}

// SyncFailedError reports a connector cycle that exhausted its retry budget.
type SyncFailedError struct {
	ConnectorID string
	Attempts    int
	Cause       error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("connector %s: sync failed after %d attempt(s): %v",
		e.ConnectorID, e.Attempts, e.Cause)
}

func (e *SyncFailedError) Unwrap() error { return e.Cause }

// Config carries the coordinator's scheduling and retry knobs.
type Config struct {
	Interval   time.Duration // periodic full-sync cadence
	RetryBase  time.Duration // first backoff interval
	RetryCap   time.Duration // backoff ceiling
	RetryMax   uint64        // total attempt budget per cycle
	JobTimeout time.Duration // per-connector cycle deadline
	MaxWorkers int           // pool width ceiling
}

// DefaultConfig returns the stock sync settings.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		RetryBase:  30 * time.Second,
		RetryCap:   15 * time.Minute,
		RetryMax:   8,
		JobTimeout: 5 * time.Minute,
		MaxWorkers: 16,
	}
}

// Coordinator schedules connector syncs and applies their batches to the
// graph. Cycles run on a fixed interval; SyncNow requests an immediate cycle,
// and requests arriving while a cycle is in flight coalesce into one.
type Coordinator struct {
	topology *graph.Store
	journal  *audit.Journal
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	tracer   trace.Tracer

	trigger chan struct{}

	mu     sync.Mutex
	conns  map[string]connectors.Connector
	states map[string]*State
}

// NewCoordinator wires a coordinator. clock defaults to time.Now (UTC).
func NewCoordinator(topology *graph.Store, journal *audit.Journal, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		topology: topology,
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("deplyx/syncsvc"),
		trigger:  make(chan struct{}, 1),
		conns:    map[string]connectors.Connector{},
		states:   map[string]*State{},
	}
}

// WithClock overrides the coordinator clock, for tests.
func (s *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	s.clock = clock
	return s
}

// Add registers a connector. It starts pending until its first cycle.
func (s *Coordinator) Add(conn connectors.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = conn
	s.states[conn.ID()] = &State{
		ID: conn.ID(), Type: conn.Type(), Status: StatusPending,
		Mode: "pull", Interval: s.cfg.Interval,
	}
}

// Remove drops a connector and its state. Its nodes stay in the graph until
// another writer tombstones them.
func (s *Coordinator) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	delete(s.states, id)
}

// States returns a stable-ordered snapshot of connector health.
func (s *Coordinator) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Simulate runs a dry-run of the change against the named connector.
func (s *Coordinator) Simulate(ctx context.Context, connectorID string, c *change.Change) (*connectors.Simulation, error) {
	s.mu.Lock()
	conn, ok := s.conns[connectorID]
	s.mu.Unlock()
	if !ok {
		return nil, &change.ValidationError{Field: "connector",
			Reason: fmt.Sprintf("unknown connector %q", connectorID)}
	}
	return conn.SimulateChange(ctx, c)
}

// SyncNow requests an immediate cycle. Non-blocking: if a request is already
// queued the two coalesce.
func (s *Coordinator) SyncNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the periodic sync loop until ctx is cancelled.
func (s *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-s.trigger:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle syncs every registered connector once, fanning the work across a
// bounded pool. It returns the per-connector failures, nil entries elided.
func (s *Coordinator) RunCycle(ctx context.Context) []error {
	s.mu.Lock()
	conns := make([]connectors.Connector, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })

	width := len(conns)
	if s.cfg.MaxWorkers > 0 && width > s.cfg.MaxWorkers {
		width = s.cfg.MaxWorkers
	}
	if width == 0 {
		return nil
	}

	jobs := make(chan connectors.Connector)
	results := make(chan error, len(conns))
	var wg sync.WaitGroup
	for i := 0; i < width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conn := range jobs {
				results <- s.syncOne(ctx, conn)
			}
		}()
	}
	for _, conn := range conns {
		jobs <- conn
	}
	close(jobs)
	wg.Wait()
	close(results)

	var errs []error
	for err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// syncOne runs one connector's cycle with exponential-backoff retries. A
// batch the graph rejects as inconsistent is not retried: the connector will
// report the same state until its source changes.
func (s *Coordinator) syncOne(ctx context.Context, conn connectors.Connector) error {
	ctx, span := s.tracer.Start(ctx, "sync.connector",
		trace.WithAttributes(attribute.String("connector.id", conn.ID()),
			attribute.String("connector.type", conn.Type())))
	defer span.End()

	attempts := 0
	batchSize := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.RetryCap
	bo.MaxElapsedTime = 0

	fail := func(err error) error {
		s.journal.Append("", "", audit.ActionSyncFailed, map[string]any{
			"connector": conn.ID(), "attempt": attempts, "error": err.Error(),
		})
		return err
	}
	op := func() error {
		attempts++
		jctx := ctx
		if s.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			jctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()
		}
		batch, err := conn.Sync(jctx)
		if err != nil {
			return fail(err)
		}
		batchSize = len(batch.Mutations)
		if err := s.topology.Apply(*batch); err != nil {
			var iv *graph.InvariantViolation
			if errors.As(err, &iv) {
				return backoff.Permanent(fail(err))
			}
			return fail(err)
		}
		return nil
	}

	// RetryMax is the total attempt budget, so the retry count is one less.
	retries := uint64(0)
	if s.cfg.RetryMax > 0 {
		retries = s.cfg.RetryMax - 1
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	now := s.clock()

	s.mu.Lock()
	st, tracked := s.states[conn.ID()]
	if tracked {
		if err != nil {
			st.Status = StatusError
			st.LastError = err.Error()
		} else {
			st.Status = StatusActive
			st.LastError = ""
			st.LastSyncAt = &now
			st.LastBatchSize = batchSize
		}
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("sync.attempts", attempts),
		attribute.Int("sync.mutations", batchSize))

	if err != nil {
		span.RecordError(err)
		failure := &SyncFailedError{ConnectorID: conn.ID(), Attempts: attempts, Cause: err}
		s.logger.Error("connector sync failed",
			"connector", conn.ID(), "attempts", attempts, "error", err)
		return failure
	}

	s.journal.Append("", "", audit.ActionSyncCompleted, map[string]any{
		"connector": conn.ID(), "attempts": attempts, "mutations": batchSize,
		"graph_revision": s.topology.Snapshot().Revision,
	})
	s.logger.Info("connector sync completed",
		"connector", conn.ID(), "attempts", attempts, "mutations", batchSize)
	return nil
}
