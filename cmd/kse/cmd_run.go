package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"kse/internal/collaborators"
	"kse/internal/config"
	"kse/internal/engine"
	"kse/internal/logging"
	"kse/internal/spawner"
	"kse/internal/status"
)

// runCmd starts an orchestration run over the given specs: resolve the
// workspace, wire components, and handle SIGINT/SIGTERM by cooperative
// cancellation.
var runCmd = &cobra.Command{
	Use:   "run [spec...]",
	Short: "Run one or more specs through the orchestration engine",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfgProvider := config.NewFileProvider(defaultConfigPath(ws))
	cfg, err := cfgProvider.GetConfig(context.Background())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	agentRegistry := collaborators.NewLocalAgentRegistry()
	depManager := collaborators.NewStaticDependencyManager(nil)
	slm := collaborators.NoopSpecLifecycleManager{}
	syncer := collaborators.NoopContextSyncManager{}

	sp := spawner.New(ws, cfg, agentRegistry)
	sp.Subscribe(func(ev spawner.Event) {
		logging.Spawner("agent=%s spec=%s event=%s", ev.AgentID, ev.SpecName, ev.Type)
	})

	monitor := status.NewMonitor(contextSyncAdapter{syncer})
	metrics := status.NewMetrics(monitor)
	promRegistry := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		promRegistry.MustRegister(c)
	}

	eng := engine.New(ws, cfgProvider, depManager, slm, sp, monitor)
	eng.Subscribe(func(ev engine.Event) {
		logger.Sugar().Infow("engine event", "type", ev.Type, "spec", ev.SpecName, "batch", ev.Batch)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nstopping orchestration...")
		eng.Stop()
		cancel()
	}()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, eng.Stop)
		defer timer.Stop()
	}

	result := eng.Start(ctx, args, engine.Options{MaxParallel: maxParallel})
	metrics.Refresh()

	if err := persistStatus(ws, monitor); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist status: %v\n", err)
	}

	printResult(result)
	if result.Status == "failed" {
		return fmt.Errorf("orchestration failed: %s", result.Error)
	}
	return nil
}

// contextSyncAdapter adapts collaborators.ContextSyncManager (ctx-taking)
// to status.ExternalSyncer (the Monitor's narrower local interface).
type contextSyncAdapter struct {
	syncer collaborators.ContextSyncManager
}

func (a contextSyncAdapter) SyncStatus(specName, statusStr string) error {
	return a.syncer.SyncStatus(context.Background(), specName, statusStr)
}

func persistStatus(ws string, monitor *status.Monitor) error {
	snap := monitor.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := statusFilePath(ws)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

func printResult(result engine.Result) {
	fmt.Printf("status: %s\n", result.Status)
	if len(result.Completed) > 0 {
		fmt.Printf("completed: %v\n", result.Completed)
	}
	if len(result.Failed) > 0 {
		fmt.Printf("failed: %v\n", result.Failed)
	}
	if len(result.Skipped) > 0 {
		fmt.Printf("skipped: %v\n", result.Skipped)
	}
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
}
