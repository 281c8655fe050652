package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	rt "github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/weaver"
)

func delegateCmd() *cobra.Command {
	var (
		contextRef string
		wait       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "delegate [description]",
		Short: "Delegate a request to a worker session",
		Long: `Delegate decomposes a request into tasks and runs them to completion.

The description is taken from the arguments, or from stdin when piped:

  loom delegate "fetch: download the dataset
  clean[fetch]: normalize the rows
  report[clean]: summarize"

Each line is one task. A leading 'id[deps]:' clause names the task and
its dependencies; a trailing '?' marks it non-critical.`,
		Run: func(cmd *cobra.Command, args []string) {
			description := strings.Join(args, " ")
			if description == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					exitOnError(err)
				}
				description = strings.TrimSpace(string(data))
			}
			if description == "" {
				exitOnError(fmt.Errorf("no description given (pass as argument or pipe to stdin)"))
			}

			store, err := openStore()
			if err != nil {
				exitOnError(err)
			}
			defer store.Close()

			orch, limits, err := newOrchestrator(store)
			if err != nil {
				exitOnError(err)
			}

			shutdown := rt.NewShutdownManager(10 * time.Second)
			shutdown.ListenForSignals()
			shutdown.Register("orchestrator", func(ctx context.Context) error {
				return orch.Shutdown()
			})
			startMetrics(shutdown)

			w := weaver.New(orch, store, limits.PollInterval)

			sessionID, err := w.Delegate(cmd.Context(), shutdown.Context(), description, contextRef)
			if err != nil {
				exitOnError(err)
			}
			fmt.Printf("session %s\n", sessionID)

			result, err := w.AwaitResult(cmd.Context(), sessionID, wait)
			switch {
			case errors.Is(err, weaver.ErrAwaitTimeout):
				fmt.Fprintf(os.Stderr, "session still running after %s; check it with:\n  loom status %s\n  loom resume %s\n", wait, sessionID, sessionID)
				os.Exit(1)
			case err != nil:
				exitOnError(err)
			}

			fmt.Print(newRenderer().Synthesis(result))
			shutdown.Shutdown()
		},
	}

	cmd.Flags().StringVar(&contextRef, "context", "", "Master context directory for task slices")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "How long to wait for the session to finish")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's ledger state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				exitOnError(err)
			}
			defer store.Close()

			led, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				exitOnError(err)
			}
			fmt.Print(newRenderer().Ledger(led))
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Abandon a running session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				exitOnError(err)
			}
			defer store.Close()

			orch, _, err := newOrchestrator(store)
			if err != nil {
				exitOnError(err)
			}
			if err := orch.Cancel(cmd.Context(), args[0]); err != nil {
				exitOnError(err)
			}
			fmt.Printf("session %s cancelled\n", args[0])
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Drive open sessions to completion",
		Long: `Resume picks up sessions left open by a previous process. Orphaned
assignments are reclaimed from their persisted deadlines and retried.
With no argument, every open session is resumed.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				exitOnError(err)
			}
			defer store.Close()

			orch, _, err := newOrchestrator(store)
			if err != nil {
				exitOnError(err)
			}

			shutdown := rt.NewShutdownManager(10 * time.Second)
			shutdown.ListenForSignals()
			shutdown.Register("orchestrator", func(ctx context.Context) error {
				return orch.Shutdown()
			})
			startMetrics(shutdown)

			var sessions []string
			if len(args) == 1 {
				sessions = args
			} else {
				sessions, err = orch.ListOpen(cmd.Context())
				if err != nil {
					exitOnError(err)
				}
			}
			if len(sessions) == 0 {
				fmt.Println("no open sessions")
				return
			}

			for _, sessionID := range sessions {
				fmt.Printf("resuming %s\n", sessionID)
				if err := orch.Run(shutdown.Context(), sessionID); err != nil {
					if errors.Is(err, context.Canceled) {
						break
					}
					fmt.Fprintf(os.Stderr, "Error: %s: %v\n", sessionID, err)
					continue
				}

				led, err := store.Read(cmd.Context(), sessionID)
				if err != nil {
					exitOnError(err)
				}
				fmt.Print(newRenderer().Ledger(led))
			}
			shutdown.Shutdown()
		},
	}
}
