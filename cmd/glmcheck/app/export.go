package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/export"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/parity"
)

// ExportOptions holds options for the export command.
type ExportOptions struct {
	*GlobalOptions

	Output     string
	Strategy   string
	Inputs     []string
	Verify     bool
	VerifyATol float64
}

// NewExportCommand creates the export command.
func NewExportCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ExportOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the model to ONNX",
		Long: `Export the model to model.onnx and config.json in the output directory.

Inputs default to input_ids[?,?], position_ids[?,2,?] and
attention_mask[?,?,?,?], all int64. With --verify the exported graph is run
on the reference input and compared against the Go forward pass.`,
		Example: `  glmcheck export -o ./onnx --verify
  glmcheck export -o ./onnx --input 'input_ids[1,?]' --input 'position_ids[1,2,?]' --input 'attention_mask[1,1,?,?]'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("input") {
				opts.Config.Export.Inputs = opts.Inputs
			}
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", glm.StrategyNative.String(),
		"weights to export: reference, auto-convert or native")
	cmd.Flags().StringArrayVar(&opts.Inputs, "input", nil, "input spec, repeated once per input")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "run the exported graph and compare logits")
	cmd.Flags().Float64Var(&opts.VerifyATol, "verify-atol", export.DefaultVerifyATol,
		"largest absolute logits difference --verify accepts")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	ctx := cmd.Context()
	strategy, err := glm.ParseStrategy(opts.Strategy)
	if err != nil {
		return err
	}
	specs, err := opts.Config.InputSpecs()
	if err != nil {
		return err
	}
	model, err := glm.FromPretrained(ctx, opts.Config.Model, strategy, opts.loadOptions()...)
	if err != nil {
		return err
	}
	model.Eval()

	art, err := export.Export(ctx, model, specs, opts.Output)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, art.Model)
	fmt.Fprintln(out, art.Config)

	if !opts.Verify {
		return nil
	}
	return verifyExport(ctx, art.Model, model, opts.VerifyATol, opts.Logger)
}

// verifyExport runs the graph at path on the reference input and fails
// unless its logits are within atol of model's.
func verifyExport(ctx context.Context, path string, model *glm.Model, atol float64, logger *slog.Logger) error {
	diff, err := export.VerifyWithin(ctx, path, model, parity.ReferenceInput(), atol)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	logger.Info("exported graph matches forward pass", "max_abs_diff", diff, "atol", atol)
	return nil
}
