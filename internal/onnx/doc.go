// Package onnx writes, reads and evaluates ONNX models.
//
// The protobuf wire format is encoded and decoded by hand for the subset of
// onnx.proto needed to describe a transformer encoder: model, graph, node,
// attribute, tensor and value-info messages. Session evaluates the operator
// subset the GLM exporter emits on float32 and int64 CPU tensors, which is
// enough to check an export against the model that produced it.
//
//	m, err := onnx.ReadFile("model.onnx")
//	if err != nil {
//	    return err
//	}
//	sess, err := onnx.NewSession(m)
//	if err != nil {
//	    return err
//	}
//	outs, err := sess.Run(ctx, map[string]*onnx.Value{"input_ids": ids})
package onnx
