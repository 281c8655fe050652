// Package main provides the loom CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/loom"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/render"
	rt "github.com/loomworks/loom/internal/runtime"
)

var (
	version     = "0.1.0"
	pretty      = true
	metricsPort = 0
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - durable task delegation",
		Long: `Loom decomposes a request into a task DAG, runs each task in an
isolated worker, and synthesizes the results. All coordination flows
through a durable ledger, so sessions survive restarts and crashed
workers are retried automatically.

Use 'loom delegate' to start a session and 'loom status' to inspect it.`,
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "Pretty print output")
	rootCmd.PersistentFlags().IntVar(&metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port (0 disables)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Sessions:"},
		&cobra.Group{ID: "observe", Title: "Observability:"},
		&cobra.Group{ID: "runtime", Title: "Runtime:"},
	)

	for _, cmd := range []*cobra.Command{delegateCmd(), statusCmd(), cancelCmd(), resumeCmd()} {
		cmd.GroupID = "session"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{watchCmd(), historyCmd(), statsCmd()} {
		cmd.GroupID = "observe"
		rootCmd.AddCommand(cmd)
	}
	workerCommand := workerCmd()
	workerCommand.GroupID = "runtime"
	rootCmd.AddCommand(workerCommand)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print loom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the sqlite ledger under the loom data directory.
func openStore() (*ledger.SQLiteStore, error) {
	paths := config.GetPaths()
	if err := config.EnsureDir(paths.Data); err != nil {
		return nil, err
	}
	return ledger.NewSQLiteStore(paths.Data)
}

// newOrchestrator builds a process-runtime orchestrator with the
// configured limits and, when reachable, a history mirror.
func newOrchestrator(store ledger.Store) (*loom.Orchestrator, config.Limits, error) {
	limits, err := config.LoadLimits(config.GetPaths().LimitsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}

	procRT := rt.NewProcessRuntime("", config.GetPaths().Home)
	orch := loom.New(store, procRT, limits)
	if db := graph.ConnectWithRetry(1); db != nil {
		orch.History = history.New(db)
	}
	return orch, limits, nil
}

func newRenderer() *render.Renderer {
	return render.New(pretty)
}

// startMetrics serves /metrics when --metrics-port is set and registers
// its teardown with the shutdown manager.
func startMetrics(shutdown *rt.ShutdownManager) {
	if metricsPort == 0 {
		return
	}
	srv := metrics.NewServer(metricsPort)
	srv.Start()
	shutdown.Register("metrics", srv.Stop)
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
