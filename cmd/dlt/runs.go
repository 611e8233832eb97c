package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

var requestFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test in this process and print its result",
	Long: `Run a load test described by a JSON or YAML request file and block until
the result is recorded. Interrupting the command cancels the run and stops
every task it launched.`,
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <testId>",
	Short: "Show the current run record of a test",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history <testId>",
	Short: "List finished runs of a test, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <testId>",
	Short: "Cancel the active run of a test",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	runCmd.Flags().StringVarP(&requestFile, "file", "f", "", "test run request file (.json, .yaml)")
	_ = runCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(runCmd, statusCmd, historyCmd, cancelCmd)
}

func readRequest(path string) (*loadtest.TestRunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadtest.DecodeRequestJSON(data)
	default:
		return loadtest.DecodeRequestYAML(data)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := readRequest(requestFile)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigCtx.Done():
			log.Info("Interrupted, cancelling run")

			if err := st.coord.Cancel(ctx, req.TestID); err != nil {
				log.WithError(err).Warn("Failed to cancel run")
			}
		case <-done:
		}
	}()

	history, err := st.coord.Run(ctx, req)
	if err != nil {
		return err
	}

	if err := printHistory(history); err != nil {
		return err
	}

	if history.Status != loadtest.RunStatusComplete {
		return fmt.Errorf("run %s %s", history.TestRunID, history.Status)
	}

	return nil
}

// withStore runs fn against the store of --config without starting any
// container runtime.
func withStore(fn func(ctx context.Context, st *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	s := &stack{cfg: cfg, store: newStore(log, &cfg.Database)}
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}
	defer s.close()

	return fn(ctx, s)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, s *stack) error {
		rec, err := s.store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		return printRunRecord(rec)
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, s *stack) error {
		list, err := s.store.ListHistory(ctx, args[0])
		if err != nil {
			return err
		}

		return printHistoryList(list)
	})
}

// runCancel needs the container runtimes to stop the recorded tasks.
func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.coord.Cancel(ctx, args[0]); err != nil {
		if errors.Is(err, loadtest.ErrNotFound) {
			return fmt.Errorf("test %s has no run record", args[0])
		}

		return err
	}

	okColor.Printf("Cancellation requested for %s\n", args[0])

	return nil
}
