package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/export"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/parity"
)

// VerifyOptions holds options for the verify command.
type VerifyOptions struct {
	*GlobalOptions

	Checks     []string
	RTol       float64
	SkipExport bool
	SkipLaunch bool
	NProcs     int
}

// NewVerifyCommand creates the verify command.
//
// verify runs the equivalence checks, then the export check on the native
// model, then the distributed smoke test. It fails if any step fails.
func NewVerifyCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VerifyOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the parity, export and distributed checks",
		Long: `Run every check against one model:

  torch         PyTorch checkpoint, reference numerics
  auto-convert  PyTorch checkpoint converted in memory, native numerics
  native        converted SafeTensors weights, native numerics

then export the native model to ONNX in a temporary directory and run a
tensor-parallel forward pass across --nprocs processes.`,
		Example: `  # Everything against the default model
  glmcheck verify

  # Only the native check against a local snapshot
  glmcheck verify -m ./glm-large-chinese --checks native --skip-export --skip-launch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("checks") {
				opts.Config.Checks.Enabled = opts.Checks
			}
			if flags.Changed("rtol") {
				opts.Config.Checks.RTol = &opts.RTol
			}
			if flags.Changed("skip-export") {
				opts.Config.Export.Enabled = !opts.SkipExport
			}
			if flags.Changed("nprocs") {
				opts.Config.Launch.NProcs = opts.NProcs
			}
			if err := opts.Config.Validate(); err != nil {
				return err
			}
			return runVerify(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Checks, "checks", nil, "checks to run (default all)")
	cmd.Flags().Float64Var(&opts.RTol, "rtol", parity.DefaultRTol, "relative tolerance")
	cmd.Flags().BoolVar(&opts.SkipExport, "skip-export", false, "skip the ONNX export check")
	cmd.Flags().BoolVar(&opts.SkipLaunch, "skip-launch", false, "skip the distributed smoke test")
	cmd.Flags().IntVar(&opts.NProcs, "nprocs", 2, "processes for the distributed smoke test")
	return cmd
}

func runVerify(cmd *cobra.Command, opts *VerifyOptions) error {
	ctx := cmd.Context()
	cfg := opts.Config
	out := cmd.OutOrStdout()
	var errs []error

	models := &nativeCache{load: parity.PretrainedLoader(opts.loadOptions()...)}
	results := parity.RunAll(ctx, cfg.EnabledChecks(), models.Load, opts.Logger)
	for _, r := range results {
		fmt.Fprintln(out, r)
	}
	if failed := parity.Failed(results); len(failed) > 0 {
		errs = append(errs, fmt.Errorf("%d of %d checks failed", len(failed), len(results)))
	}

	if cfg.Export.Enabled {
		err := runExportCheck(ctx, opts, models)
		fmt.Fprintln(out, stepLine("export", err))
		errs = append(errs, err)
	}

	if !opts.SkipLaunch {
		err := runLaunch(cmd, opts.GlobalOptions, cfg.Launch.NProcs, cfg.Launch.Worker, cfg.Launch.Strategy)
		fmt.Fprintln(out, stepLine("launch", err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func runExportCheck(ctx context.Context, opts *VerifyOptions, models *nativeCache) error {
	specs, err := opts.Config.InputSpecs()
	if err != nil {
		return err
	}
	model, err := models.Native(ctx, opts.Config.Model)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	model.Eval()
	return export.Check(ctx, model, specs, opts.Logger)
}

// nativeCache wraps a Loader and keeps the model loaded for the native
// check so the export step runs on the same weights.
type nativeCache struct {
	load  parity.Loader
	id    string
	model *glm.Model
}

// Load satisfies parity.Loader.
func (c *nativeCache) Load(ctx context.Context, id string, strategy glm.Strategy) (*glm.Model, error) {
	m, err := c.load(ctx, id, strategy)
	if err == nil && strategy == glm.StrategyNative {
		c.id, c.model = id, m
	}
	return m, err
}

// Native returns the model the native check ran on, loading it only when
// that check was not run for id.
func (c *nativeCache) Native(ctx context.Context, id string) (*glm.Model, error) {
	if c.model != nil && c.id == id {
		return c.model, nil
	}
	return c.load(ctx, id, glm.StrategyNative)
}

func stepLine(name string, err error) string {
	if err != nil {
		return fmt.Sprintf("FAIL %s: %v", name, err)
	}
	return "PASS " + name
}
