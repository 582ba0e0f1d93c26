package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/hub"
)

// ConvertOptions holds options for the convert command.
type ConvertOptions struct {
	*GlobalOptions

	Output string
}

// NewConvertCommand creates the convert command.
//
// convert reads a PyTorch checkpoint and writes the native SafeTensors file
// the native check loads. With no argument it converts the configured
// model's pytorch_model.bin into its snapshot directory.
func NewConvertCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ConvertOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "convert [CHECKPOINT]",
		Short: "Convert a PyTorch checkpoint to native SafeTensors",
		Example: `  # Convert the configured model in place
  glmcheck convert

  # Convert a file somewhere else
  glmcheck convert ./pytorch_model.bin -o ./model.safetensors`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := ""
			if len(args) == 1 {
				src = args[0]
			}
			return runConvert(cmd, opts, src)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "",
		"output file (default model.safetensors next to the checkpoint)")
	return cmd
}

func runConvert(cmd *cobra.Command, opts *ConvertOptions, src string) error {
	if src == "" {
		snap, err := opts.resolver().Resolve(cmd.Context(), opts.Config.Model, hub.Required(glm.TorchWeights))
		if err != nil {
			return err
		}
		src, _ = snap.Path(glm.TorchWeights)
	}
	dst := opts.Output
	if dst == "" {
		dst = filepath.Join(filepath.Dir(src), glm.NativeWeights)
	}

	if filepath.Clean(dst) == filepath.Clean(src) {
		return fmt.Errorf("output %s would overwrite the input", dst)
	}

	load, err := checkpoint.LoaderFor(checkpoint.DetectFormat(src))
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	start := time.Now()
	sd, err := checkpoint.ConvertFile(src, dst, load)
	if err != nil {
		return err
	}
	opts.Logger.Info("converted", "src", src, "dst", dst, "tensors", sd.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(cmd.OutOrStdout(), dst)
	return nil
}
