// Package glm implements the GLM encoder forward pass on CPU float32 kernels.
//
// Two numerics profiles are supported. Reference matches the upstream
// PyTorch implementation ([out, in] weights, tanh GELU). Native uses the
// [in, out] layout and exact erf GELU. The GELU difference is deliberate
// and shifts mean(|logits|) of glm-large-chinese on ids 100..109 from
// 2.1089835166931152 (Reference) to 2.109480381011963 (Native).
//
// Example:
//
//	model, err := glm.FromPretrained(ctx, glm.DefaultModelID, glm.StrategyAutoConvert)
//	if err != nil {
//	    return err
//	}
//	model.Eval()
//	ids, _ := tensor.Arange(100, 110).Reshape(1, -1)
//	out, err := model.Forward(ctx, glm.Inputs{InputIDs: ids})
package glm
