// Package checkpoint reads, converts and writes GLM weight checkpoints.
//
// Two on-disk formats are supported:
//   - PyTorch torch.save files (zip or legacy), read through gopickle
//   - SafeTensors, the native format, read and written here
//
// Every value is converted into a plain float32 tensor.Array pinned to the
// CPU. Parameter names, their order and their shapes are preserved exactly;
// only the in-memory representation changes.
//
// The reader is never swapped globally. Callers hand a LoadFunc to the
// model loader instead:
//
//	sd, err := checkpoint.LoadTorch("pytorch_model.bin")
//	if err != nil {
//	    return err
//	}
//	native, err := checkpoint.ToNative(sd)
package checkpoint
