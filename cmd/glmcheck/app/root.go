// Package app implements the glmcheck command line.
//
// Every command shares the global options defined here: a config file, the
// model identifier, hub settings and verbosity. Flags override the config
// file, which overrides built-in defaults.
package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/born-ml/glmcheck/internal/config"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/hub"
)

const (
	cliName        = "glmcheck"
	cliDescription = "glmcheck - GLM numerical parity harness"
)

// GlobalOptions holds options common to all commands.
type GlobalOptions struct {
	ConfigPath string
	Model      string
	CacheDir   string
	Offline    bool
	Verbose    bool

	// Config is loaded before any subcommand runs.
	Config config.Config
	Logger *slog.Logger
}

// NewGLMCheckCommand creates the root command with all subcommands.
//
// Example:
//
//	if err := app.NewGLMCheckCommand().Execute(); err != nil {
//	    os.Exit(1)
//	}
func NewGLMCheckCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `glmcheck loads a pretrained GLM through three weight pipelines and checks
that mean(|logits|) on a fixed input matches the known reference values.

It also verifies that the model exports to ONNX and that a tensor-parallel
forward pass runs across several processes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.complete(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "",
		"config file (default $GLMCHECK_CONFIG or <user config>/glmcheck/config.yaml)")
	flags.StringVarP(&opts.Model, "model", "m", "",
		"model id or local directory (default "+glm.DefaultModelID+")")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "model cache directory")
	flags.BoolVar(&opts.Offline, "offline", false, "never download, use cached files only")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		NewVerifyCommand(opts),
		NewConvertCommand(opts),
		NewExportCommand(opts),
		NewLaunchCommand(opts),
		NewWorkerCommand(opts),
		NewVersionCommand(opts),
	)
	return cmd
}

// complete loads the config file and applies flag overrides.
func (o *GlobalOptions) complete(cmd *cobra.Command) error {
	o.Logger = newLogger(cmd.ErrOrStderr(), o.Verbose)
	slog.SetDefault(o.Logger)

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = o.Model
	}
	if flags.Changed("cache-dir") {
		cfg.Hub.CacheDir = o.CacheDir
	}
	if flags.Changed("offline") {
		cfg.Hub.Offline = o.Offline
	}
	o.Config = cfg
	o.Logger.Debug("config loaded", "model", cfg.Model, "cache_dir", cfg.Hub.CacheDir, "offline", cfg.Hub.Offline)
	return nil
}

// loadOptions returns the glm options every command loads models with.
func (o *GlobalOptions) loadOptions() []glm.Option {
	return []glm.Option{
		glm.WithResolver(o.resolver()),
		glm.WithLogger(o.Logger),
	}
}

func (o *GlobalOptions) resolver() *hub.Resolver {
	r := o.Config.Resolver()
	r.Logger = o.Logger
	return r
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
