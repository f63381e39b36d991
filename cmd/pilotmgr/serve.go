package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/log"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/storage"
	"github.com/opensci-hpc/pilotmgr/pkg/umgr"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a unit manager process",
	Long: `serve starts a unit manager against a BoltDB-backed store,
accepting units submitted (by "pilotmgr submit") directly into that
same store, and runs until interrupted. A small HTTP listener exposes
/healthz, /readyz, /livez and /metrics for the process's own
operational monitoring.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a YAML config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	fc, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	umgrCfg, err := fc.toUmgrConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(fc.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", fc.DataDir, err)
	}

	metrics.RegisterComponent("storage", false, "opening store")
	store, err := storage.NewBoltStore(fc.DataDir)
	if err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent("storage", true, "")

	metrics.RegisterComponent("umgr", false, "constructing unit manager")
	mgr, err := umgr.NewManager(fc.UmgrUID, store, umgrCfg)
	if err != nil {
		metrics.UpdateComponent("umgr", false, err.Error())
		return fmt.Errorf("failed to build unit manager: %w", err)
	}
	mgr.Start()
	defer mgr.Close()
	metrics.UpdateComponent("umgr", true, "")
	// The manager owns the fabric internally; once it's started without
	// error the broker and STATE subscriber are live.
	metrics.RegisterComponent("fabric", true, "")

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	httpSrv := &http.Server{Addr: fc.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics listener stopped unexpectedly")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()

	log.Logger.Info().Str("umgr_uid", fc.UmgrUID).Str("scheduler", umgrCfg.Scheduler).
		Str("data_dir", fc.DataDir).Str("metrics_addr", fc.MetricsAddr).Msg("unit manager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	return nil
}
