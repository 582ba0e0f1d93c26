package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/launch"
)

// NewWorkerCommand creates the worker command run inside launched
// processes. It reads its rank and group from the GLMCHECK_* environment.
func NewWorkerCommand(globalOpts *GlobalOptions) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:    "worker NAME",
		Short:  "Run one rank of a launched worker",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, ok := launch.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown worker %q (want one of %v)", args[0], launch.Workers())
			}
			s, err := glm.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			env, err := launch.FromEnv()
			if err != nil {
				return err
			}
			return w(cmd.Context(), launch.Job{
				Env:      env,
				ModelID:  globalOpts.Config.Model,
				Strategy: s,
				Options:  globalOpts.loadOptions(),
				Logger:   globalOpts.Logger,
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", glm.StrategyReference.String(), "weights to load")
	return cmd
}
