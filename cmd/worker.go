package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clearledger/invoice-sentinel/internal/worker"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the processing worker pool against the job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		wcfg := cfg.Worker
		if workerConcurrency > 0 {
			wcfg.Concurrency = workerConcurrency
		}

		pool := worker.NewPool(env.Store, env.Processor, wcfg)
		return pool.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "worker count (default from config)")
	rootCmd.AddCommand(workerCmd)
}
