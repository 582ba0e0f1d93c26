package app

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/launch"
	"github.com/born-ml/glmcheck/internal/onnx"
)

// Version is set at build time with -ldflags "-X ...app.Version=...".
var Version = "v0.1.0-dev"

// NewVersionCommand creates the version command.
func NewVersionCommand(_ *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			commit := "dev"
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" && len(s.Value) >= 7 {
						commit = s.Value[:7]
					}
				}
			}
			fmt.Fprintf(out, "%s %s\n", cliName, Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", commit)
			fmt.Fprintf(out, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(out, "  ONNX:       opset %d, IR %d\n", onnx.DefaultOpset, onnx.IRVersion)
			fmt.Fprintf(out, "  Workers:    %v\n", launch.Workers())
			return nil
		},
	}
}
