package vmtypes

import (
	"fmt"
	"strings"
)

// RegName identifies a register slot within a frame. Names at or above
// RegisterBoundary are special and never index the register file.
type RegName = int64

const (
	// RegisterBoundary separates ordinary register indices from the
	// special ones. Writes at or above the boundary are discarded.
	RegisterBoundary RegName = 1 << 54
	// VoidRegister reads as Nil, writes are no-ops.
	VoidRegister RegName = RegisterBoundary
	// ContextRegister reads as the opaque VM context handle.
	ContextRegister RegName = RegisterBoundary + 1
)

// PackedFunc is the uniform callable convention: positional arguments in,
// one value out. Native kernels, closures and the module call surface all
// use this shape.
type PackedFunc func(args []Value) (Value, error)

// Module is anything exposing named packed functions. The VM itself is a
// Module, and so is the parameter pack consumed by
// set_input_with_param_module.
type Module interface {
	GetFunction(name string) (PackedFunc, bool)
}

// Tensor is the read surface of an n-dimensional array. The concrete type
// lives in the memory package.
type Tensor interface {
	Shape() []int64
	DType() DType
	Device() Device
	Bytes() []byte
}

type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindBytes
	KindHandle
	KindDType
	KindDevice
	KindNDArray
	KindArray
	KindModule
	KindFunc
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindHandle:
		return "handle"
	case KindDType:
		return "dtype"
	case KindDevice:
		return "device"
	case KindNDArray:
		return "ndarray"
	case KindArray:
		return "array"
	case KindModule:
		return "module"
	case KindFunc:
		return "func"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the dynamically-typed cell stored in registers, constants and
// call-argument slots. Assignment copies the tag and the payload reference;
// large payloads (tensors, arrays) are shared.
type Value struct {
	kind Kind
	num  int64
	f64  float64
	str  string
	obj  interface{}
}

func NilValue() Value            { return Value{kind: KindNil} }
func IntValue(v int64) Value     { return Value{kind: KindInt, num: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f64: v} }

func BoolValue(v bool) Value {
	var b int64
	if v {
		b = 1
	}
	return Value{kind: KindBool, num: b}
}

func StringValue(v string) Value      { return Value{kind: KindString, str: v} }
func BytesValue(v []byte) Value       { return Value{kind: KindBytes, obj: v} }
func HandleValue(v interface{}) Value { return Value{kind: KindHandle, obj: v} }
func DTypeValue(v DType) Value        { return Value{kind: KindDType, num: int64(v.pack())} }
func DeviceValue(v Device) Value      { return Value{kind: KindDevice, num: v.pack()} }
func NDArrayValue(v Tensor) Value     { return Value{kind: KindNDArray, obj: v} }
func ArrayValue(v []Value) Value      { return Value{kind: KindArray, obj: v} }
func ModuleValue(v Module) Value      { return Value{kind: KindModule, obj: v} }
func FuncValue(v PackedFunc) Value    { return Value{kind: KindFunc, obj: v} }
func ObjectValue(v interface{}) Value { return Value{kind: KindObject, obj: v} }

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

// Int returns the integer payload; bools coerce to 0/1, any other kind
// reads as 0. The If instruction relies on this coercion.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt, KindBool:
		return v.num
	default:
		return 0
	}
}

func (v Value) Float() float64 {
	if v.kind == KindFloat {
		return v.f64
	}
	return 0
}

func (v Value) Bool() bool { return v.num != 0 }

func (v Value) Str() string {
	if v.kind == KindString {
		return v.str
	}
	return ""
}

func (v Value) Bytes() []byte {
	if b, ok := v.obj.([]byte); ok {
		return b
	}
	return nil
}

func (v Value) Handle() interface{} {
	if v.kind == KindHandle {
		return v.obj
	}
	return nil
}

func (v Value) DType() DType {
	if v.kind == KindDType {
		return unpackDType(uint32(v.num))
	}
	return DType{}
}

func (v Value) Device() Device {
	if v.kind == KindDevice {
		return unpackDevice(v.num)
	}
	return Device{}
}

func (v Value) NDArray() Tensor {
	if t, ok := v.obj.(Tensor); ok && v.kind == KindNDArray {
		return t
	}
	return nil
}

func (v Value) Array() []Value {
	if a, ok := v.obj.([]Value); ok && v.kind == KindArray {
		return a
	}
	return nil
}

func (v Value) Module() Module {
	if m, ok := v.obj.(Module); ok && v.kind == KindModule {
		return m
	}
	return nil
}

func (v Value) Func() PackedFunc {
	if f, ok := v.obj.(PackedFunc); ok && v.kind == KindFunc {
		return f
	}
	return nil
}

func (v Value) Object() interface{} {
	if v.kind == KindObject {
		return v.obj
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindInt:
		return fmt.Sprintf("%d", v.num)
	case KindFloat:
		return fmt.Sprintf("%g", v.f64)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Bytes()))
	case KindDType:
		return v.DType().String()
	case KindDevice:
		return v.Device().String()
	case KindNDArray:
		t := v.NDArray()
		if t == nil {
			return "ndarray(nil)"
		}
		dims := make([]string, len(t.Shape()))
		for i, d := range t.Shape() {
			dims[i] = fmt.Sprintf("%d", d)
		}
		return fmt.Sprintf("ndarray(%s, [%s], %s)", t.DType(), strings.Join(dims, ","), t.Device())
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.Array()))
	default:
		return v.kind.String()
	}
}
