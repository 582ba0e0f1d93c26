// Command glmcheck verifies GLM numerical parity across weight formats.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/born-ml/glmcheck/cmd/glmcheck/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.NewGLMCheckCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
