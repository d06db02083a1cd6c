package memory

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/HayeonP/tvm-segment/vmtypes"
)

// NDArray is a dense tensor: a shape, an element type, a home device and a
// host-visible backing buffer. Device placement is logical; the buffer always
// lives in host memory, tagged with the device it belongs to.
type NDArray struct {
	shape  []int64
	dtype  vmtypes.DType
	device vmtypes.Device
	data   []byte
}

func (a *NDArray) Shape() []int64         { return a.shape }
func (a *NDArray) DType() vmtypes.DType   { return a.dtype }
func (a *NDArray) Device() vmtypes.Device { return a.device }
func (a *NDArray) Bytes() []byte          { return a.data }

// NumElements returns the product of the shape dims.
func (a *NDArray) NumElements() int64 {
	n := int64(1)
	for _, d := range a.shape {
		n *= d
	}
	return n
}

// CopyFrom copies the contents of src into a. Shapes and dtypes must agree.
func (a *NDArray) CopyFrom(src vmtypes.Tensor) error {
	if len(a.data) != len(src.Bytes()) {
		return fmt.Errorf("copy size mismatch: dst %d bytes, src %d bytes", len(a.data), len(src.Bytes()))
	}
	copy(a.data, src.Bytes())
	return nil
}

// Float64s decodes the buffer as float64 elements. Only valid for float64
// arrays.
func (a *NDArray) Float64s() []float64 {
	out := make([]float64, a.NumElements())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.data[i*8:]))
	}
	return out
}

// SetFloat64s encodes vals into the buffer. Only valid for float64 arrays.
func (a *NDArray) SetFloat64s(vals []float64) {
	for i, v := range vals {
		binary.LittleEndian.PutUint64(a.data[i*8:], math.Float64bits(v))
	}
}

func dataSize(shape []int64, dtype vmtypes.DType) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n * dtype.ElemBytes()
}

// NewNDArray allocates a zero-filled tensor outside of any allocator. Used
// for host-side inputs before they enter the VM.
func NewNDArray(shape []int64, dtype vmtypes.DType, device vmtypes.Device) *NDArray {
	return &NDArray{
		shape:  append([]int64(nil), shape...),
		dtype:  dtype,
		device: device,
		data:   make([]byte, dataSize(shape, dtype)),
	}
}

// NewFromFloat64s builds a host float64 tensor holding vals.
func NewFromFloat64s(vals []float64, device vmtypes.Device) *NDArray {
	a := NewNDArray([]int64{int64(len(vals))}, vmtypes.Float64, device)
	a.SetFloat64s(vals)
	return a
}
