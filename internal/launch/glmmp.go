package launch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/glmcheck/internal/dist"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/parity"
)

// GLMTensorParallel is the name of the tensor-parallel GLM worker.
const GLMTensorParallel = "glm_mp"

func init() {
	Register(GLMTensorParallel, RunGLMTensorParallel)
}

// RunGLMTensorParallel joins the launch group, loads this rank's shard of
// the model and runs the reference input through it. Rank 0 loads first
// so that downloads and conversions happen once.
func RunGLMTensorParallel(ctx context.Context, job Job) error {
	logger := job.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rank", job.Env.Rank)

	group, err := dist.Join(ctx, dist.Config{
		Rank:      job.Env.Rank,
		WorldSize: job.Env.WorldSize,
		Addr:      job.Env.MasterAddr,
		RunID:     job.Env.RunID,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			logger.Debug("group close", "error", err)
		}
	}()

	opts := append(append([]glm.Option(nil), job.Options...),
		glm.WithLogger(logger),
		glm.WithTensorParallel(glm.TensorParallel{
			Rank:    job.Env.Rank,
			Degree:  job.Env.WorldSize,
			Reducer: group,
		}),
	)

	load := func() (*glm.Model, error) {
		return glm.FromPretrained(ctx, job.ModelID, job.Strategy, opts...)
	}
	var model *glm.Model
	if job.Env.Rank == 0 {
		model, err = load()
		if err != nil {
			return err
		}
	}
	if err := group.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after load: %w", err)
	}
	if job.Env.Rank != 0 {
		if model, err = load(); err != nil {
			return err
		}
	}

	model.Eval()
	out, err := model.Forward(ctx, glm.Inputs{InputIDs: parity.ReferenceInput()})
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if job.Env.Rank == 0 {
		logger.Info("tensor parallel forward done", "world_size", job.Env.WorldSize,
			"statistic", parity.Statistic(out), "shape", out.Logits.Shape())
	}
	return group.Barrier(ctx)
}
