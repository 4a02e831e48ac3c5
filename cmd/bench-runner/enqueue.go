package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-bench-runner/internal/jobfile"
)

var (
	enqueueWatch bool
	enqueueDir   string
)

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue [FILE...]",
		Short: "Add benchmark jobs to the local or redis queue",
		Long: `Read benchmark jobs from YAML, JSON or TOML files and add them to the
queue. With --watch, job files dropped into the spool directory are
enqueued as they appear and moved to its done or failed subdirectory.`,
		RunE: runEnqueue,
	}
	enqueueCmd.Flags().BoolVarP(&enqueueWatch, "watch", "w", false, "watch the spool directory")
	enqueueCmd.Flags().StringVar(&enqueueDir, "dir", "", "spool directory (default: queue.spool_dir)")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !enqueueWatch {
		return errors.New("pass job files or --watch")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	queue, closeQueue, err := newEnqueuer(cfg, st)
	if err != nil {
		return err
	}
	defer closeQueue()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, path := range args {
		job, err := jobfile.Load(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueueing %s: %w", path, err)
		}
		fmt.Printf("Enqueued %s (%s)\n", job.Benchmark.Metadata.ID, job.Benchmark.Spec.Name)
	}
	if !enqueueWatch {
		return nil
	}

	dir := enqueueDir
	if dir == "" {
		dir = cfg.Queue.SpoolDir
	}
	w, err := jobfile.NewWatcher(dir, queue, logger)
	if err != nil {
		return err
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		return err
	}
	logger.Info("watching spool directory", "dir", dir)
	<-ctx.Done()
	return nil
}
