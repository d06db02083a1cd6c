package vmtypes

import "fmt"

// DTypeCode follows the DLPack type codes.
type DTypeCode uint8

const (
	DTypeInt   DTypeCode = 0
	DTypeUInt  DTypeCode = 1
	DTypeFloat DTypeCode = 2
)

// DType describes the element type of a tensor.
type DType struct {
	Code  DTypeCode
	Bits  uint8
	Lanes uint16
}

var (
	Int32   = DType{Code: DTypeInt, Bits: 32, Lanes: 1}
	Int64   = DType{Code: DTypeInt, Bits: 64, Lanes: 1}
	UInt8   = DType{Code: DTypeUInt, Bits: 8, Lanes: 1}
	Float16 = DType{Code: DTypeFloat, Bits: 16, Lanes: 1}
	Float32 = DType{Code: DTypeFloat, Bits: 32, Lanes: 1}
	Float64 = DType{Code: DTypeFloat, Bits: 64, Lanes: 1}
)

func (t DType) String() string {
	var base string
	switch t.Code {
	case DTypeInt:
		base = fmt.Sprintf("int%d", t.Bits)
	case DTypeUInt:
		base = fmt.Sprintf("uint%d", t.Bits)
	case DTypeFloat:
		base = fmt.Sprintf("float%d", t.Bits)
	default:
		base = fmt.Sprintf("custom(%d)%d", t.Code, t.Bits)
	}
	if t.Lanes > 1 {
		return fmt.Sprintf("%sx%d", base, t.Lanes)
	}
	return base
}

// ElemBytes returns the per-element size in bytes, rounded up.
func (t DType) ElemBytes() int64 {
	return (int64(t.Bits)*int64(t.Lanes) + 7) / 8
}

func (t DType) pack() uint32 {
	return uint32(t.Code)<<24 | uint32(t.Bits)<<16 | uint32(t.Lanes)
}

func unpackDType(v uint32) DType {
	return DType{Code: DTypeCode(v >> 24), Bits: uint8(v >> 16), Lanes: uint16(v)}
}
