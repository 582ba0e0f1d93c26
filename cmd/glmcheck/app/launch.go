package app

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/launch"
)

// LaunchOptions holds options for the launch command.
type LaunchOptions struct {
	*GlobalOptions

	NProcs   int
	Worker   string
	Strategy string
}

// NewLaunchCommand creates the launch command.
//
// launch starts NProcs copies of this binary running "glmcheck worker" and
// fails unless every one exits cleanly.
func NewLaunchCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &LaunchOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run a worker across several processes",
		Example: `  # Tensor-parallel forward pass over two processes
  glmcheck launch --nprocs 2 --worker glm_mp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.Config.Launch
			flags := cmd.Flags()
			if flags.Changed("nprocs") {
				cfg.NProcs = opts.NProcs
			}
			if flags.Changed("worker") {
				cfg.Worker = opts.Worker
			}
			if flags.Changed("strategy") {
				cfg.Strategy = opts.Strategy
			}
			return runLaunch(cmd, opts.GlobalOptions, cfg.NProcs, cfg.Worker, cfg.Strategy)
		},
	}

	cmd.Flags().IntVar(&opts.NProcs, "nprocs", 2, "number of processes")
	cmd.Flags().StringVar(&opts.Worker, "worker", launch.GLMTensorParallel, "worker to run")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", glm.StrategyReference.String(), "weights the worker loads")
	return cmd
}

func runLaunch(cmd *cobra.Command, opts *GlobalOptions, nprocs int, worker, strategy string) error {
	if _, ok := launch.Lookup(worker); !ok {
		return fmt.Errorf("unknown worker %q (want one of %v)", worker, launch.Workers())
	}
	if _, err := glm.ParseStrategy(strategy); err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	l := &launch.Launcher{
		NProcs:  nprocs,
		Command: self,
		Args:    workerArgs(opts, worker, strategy),
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
		Logger:  opts.Logger,
	}
	return l.Run(cmd.Context())
}

// workerArgs forwards the resolved settings so every worker loads the same
// model from the same cache.
func workerArgs(opts *GlobalOptions, worker, strategy string) []string {
	cfg := opts.Config
	args := []string{
		"worker", worker,
		"--model", cfg.Model,
		"--strategy", strategy,
		"--cache-dir", cfg.Hub.CacheDir,
		"--offline=" + strconv.FormatBool(cfg.Hub.Offline),
	}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}
