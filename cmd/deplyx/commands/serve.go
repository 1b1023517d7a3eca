package commands

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deplyx/deplyx/internal/app"
	"github.com/deplyx/deplyx/pkg/telemetry"
	"github.com/deplyx/deplyx/pkg/version"
)

var serveSeed bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: connector syncs, approval reaper, and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, "")
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()

		a, err := app.Bootstrap(settings, nil, serveSeed)
		if err != nil {
			return err
		}

		a.StartReaper(ctx)
		a.StartAuditExport(ctx)
		go a.Sync.Run(ctx)
		a.Sync.SyncNow()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: settings.ListenAddr, Handler: mux}

		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.Metrics.Refresh()
				}
			}
		}()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		a.Logger.Info("engine running", "addr", settings.ListenAddr)

		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		case err := <-errc:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "start from the built-in demo topology")
}
