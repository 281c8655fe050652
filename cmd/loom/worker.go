package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/exec"
	"github.com/loomworks/loom/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Worker subprocess commands",
		Hidden: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one task from a handoff on stdin",
		Long: `Run reads a single handoff envelope from stdin, claims the named
task in the ledger, executes it, and writes the terminal result back.
If the claim is lost the process exits cleanly with no side effects.

This command is spawned by the orchestrator and is not meant to be
invoked by hand.`,
		Run: func(cmd *cobra.Command, args []string) {
			workerID := config.Env().WorkerID
			if workerID == "" {
				hostname, _ := os.Hostname()
				workerID = "worker-" + hostname
			}

			store, err := openStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "worker %s: %v\n", workerID, err)
				os.Exit(1)
			}
			defer store.Close()

			runner := worker.NewRunner(
				worker.NewClient(store, workerID),
				worker.ShellHandler(exec.NewOSRunner()),
			)
			if err := runner.Run(cmd.Context(), os.Stdin); err != nil {
				fmt.Fprintf(os.Stderr, "worker %s: %v\n", workerID, err)
				os.Exit(1)
			}
		},
	})

	return cmd
}
