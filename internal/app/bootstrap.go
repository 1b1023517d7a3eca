// Package app wires the engine's components from resolved settings.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/config"
	"github.com/deplyx/deplyx/pkg/connectors"
	"github.com/deplyx/deplyx/pkg/graph"
	"github.com/deplyx/deplyx/pkg/impact"
	"github.com/deplyx/deplyx/pkg/metrics"
	"github.com/deplyx/deplyx/pkg/narrative"
	"github.com/deplyx/deplyx/pkg/policy"
	"github.com/deplyx/deplyx/pkg/storage"
	"github.com/deplyx/deplyx/pkg/syncsvc"
	"github.com/deplyx/deplyx/pkg/workflow"
)

// App holds the wired engine.
type App struct {
	Settings *config.Settings
	Logger   *slog.Logger

	Topology *graph.Store
	Changes  *change.Store
	Journal  *audit.Journal
	Analyzer *impact.Analyzer
	Policies *policy.Engine
	Workflow *workflow.Controller
	Sync     *syncsvc.Coordinator
	Metrics  *metrics.Exporter
	Registry *prometheus.Registry

	// AuditExport is nil unless an export destination is configured.
	AuditExport *storage.Exporter
}

// Bootstrap builds every component from the settings. With seed=true the
// graph starts from the built-in demo topology; a configured topology file
// is applied on top either way.
func Bootstrap(settings *config.Settings, logger *slog.Logger, seed bool) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:       parseLevel(settings.LogLevel),
			ReplaceAttr: redactSensitiveData,
		}))
	}

	topology := graph.NewStore(settings.CoreDeviceK, logger)
	if seed {
		if err := topology.Apply(graph.SeedTopology(time.Now().UTC())); err != nil {
			return nil, fmt.Errorf("seed topology: %w", err)
		}
	}
	if settings.TopologyFile != "" {
		batch, err := graph.LoadTopologyFile(settings.TopologyFile, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if err := topology.Apply(batch); err != nil {
			return nil, fmt.Errorf("apply topology file: %w", err)
		}
	}

	changes := change.NewStore(nil)
	journal := audit.NewJournal(nil)
	analyzer := impact.NewAnalyzer(settings.ImpactDepths(), logger)

	policies := policy.NewEngine(logger)
	if settings.PolicyBundle != "" {
		if err := policies.LoadHCLFile(settings.PolicyBundle); err != nil {
			return nil, err
		}
	}

	var wfOpts []workflow.Option
	if settings.AnthropicAPIKey != "" {
		wfOpts = append(wfOpts, workflow.WithNarrator(narrative.New(settings.AnthropicAPIKey, logger)))
	} else {
		wfOpts = append(wfOpts, workflow.WithNarrator(narrative.Static{}))
	}

	coord := syncsvc.NewCoordinator(topology, journal, settings.Sync(), logger)
	registry := connectors.NewRegistry()
	var conns []connectors.Connector
	for _, cc := range settings.Connectors {
		conn, err := registry.New(cc)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", cc.ID, err)
		}
		coord.Add(conn)
		conns = append(conns, conn)
	}
	wfOpts = append(wfOpts, workflow.WithExecutor(connectors.NewDispatcher(conns...)))

	controller := workflow.New(changes, journal, topology, analyzer, policies,
		settings.Workflow(), logger, wfOpts...)

	promReg := prometheus.NewRegistry()
	exporter := metrics.NewExporter(metrics.NewCalculator(changes, journal), promReg)

	auditExport, err := buildAuditExport(settings, journal)
	if err != nil {
		return nil, err
	}

	return &App{
		Settings: settings,
		Logger:   logger,
		Topology: topology,
		Changes:  changes,
		Journal:  journal,
		Analyzer: analyzer,
		Policies: policies,
		Workflow: controller,
		Sync:     coord,
		Metrics:  exporter,
		Registry: promReg,

		AuditExport: auditExport,
	}, nil
}

func buildAuditExport(settings *config.Settings, journal *audit.Journal) (*storage.Exporter, error) {
	switch {
	case settings.AuditExportBucket != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("audit export: %w", err)
		}
		return storage.NewExporter(storage.NewS3(awsCfg, settings.AuditExportBucket), journal, nil), nil
	case settings.AuditExportDir != "":
		return storage.NewExporter(storage.NewLocal(settings.AuditExportDir), journal, nil), nil
	}
	return nil, nil
}

// StartAuditExport snapshots the journal to the blob store on the configured
// interval. A no-op when no export destination is set.
func (a *App) StartAuditExport(ctx context.Context) {
	if a.AuditExport == nil {
		return
	}
	interval := time.Duration(a.Settings.AuditExportIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				key, err := a.AuditExport.Export(ctx)
				if err != nil {
					a.Logger.Error("audit export failed", "error", err)
					continue
				}
				a.Logger.Info("audit journal exported", "key", key)
			}
		}
	}()
}

// StartReaper expires overdue approvals once a minute until ctx is done.
func (a *App) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.Workflow.ExpireApprovals(ctx); n > 0 {
					a.Logger.Info("expired approvals", "count", n)
				}
			}
		}
	}()
}

// redactSensitiveData scrubs credential-shaped keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password": true, "access_key": true, "token": true, "secret": true,
		"api_key": true, "anthropic_api_key": true, "private_key": true,
		"auth_token": true, "credential": true, "kubeconfig": true,
	}
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
