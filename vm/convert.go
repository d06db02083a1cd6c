package vm

import (
	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

func convertTensorToDevice(src vmtypes.Tensor, dev vmtypes.Device, alloc memory.Allocator) (vmtypes.Tensor, error) {
	if src.Device().Equal(dev) {
		return src, nil
	}
	// To be extra careful we always copy at this boundary; regaining
	// zero-copy behavior is up to callers allocating on the VM device
	// directly.
	dst := alloc.Empty(src.Shape(), src.DType(), dev)
	if err := dst.CopyFrom(src); err != nil {
		return nil, err
	}
	log.Debug(log.MemoryMonitoring, "tensor copied across devices", "from", src.Device().String(), "to", dev.String())
	return dst, nil
}

func (vm *VM) convertObjectToDevice(src vmtypes.Value, dev vmtypes.Device, alloc memory.Allocator) (vmtypes.Value, error) {
	switch src.Kind() {
	case vmtypes.KindNDArray:
		t, err := convertTensorToDevice(src.NDArray(), dev, alloc)
		if err != nil {
			return vmtypes.NilValue(), err
		}
		return vmtypes.NDArrayValue(t), nil
	case vmtypes.KindArray:
		arr := src.Array()
		out := make([]vmtypes.Value, len(arr))
		for i := range arr {
			conv, err := vm.convertObjectToDevice(arr[i], dev, alloc)
			if err != nil {
				return vmtypes.NilValue(), err
			}
			out[i] = conv
		}
		return vmtypes.ArrayValue(out), nil
	default:
		return src, nil
	}
}

// convertArgToDevice places a value entering the VM from outside onto dev:
// tensors are copied through the allocator, arrays recurse, scalar kinds
// pass through unchanged.
func (vm *VM) convertArgToDevice(input vmtypes.Value, dev vmtypes.Device, alloc memory.Allocator) (vmtypes.Value, error) {
	return vm.convertObjectToDevice(input, dev, alloc)
}

// convertRegToDevice is the register-value variant used for the constant
// pool.
func (vm *VM) convertRegToDevice(input vmtypes.Value, dev vmtypes.Device, alloc memory.Allocator) (vmtypes.Value, error) {
	return vm.convertObjectToDevice(input, dev, alloc)
}
