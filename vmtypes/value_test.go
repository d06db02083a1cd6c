package vmtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueKinds(t *testing.T) {
	testCases := []struct {
		v    Value
		kind Kind
	}{
		{NilValue(), KindNil},
		{IntValue(-7), KindInt},
		{FloatValue(1.5), KindFloat},
		{BoolValue(true), KindBool},
		{StringValue("x"), KindString},
		{BytesValue([]byte{1}), KindBytes},
		{HandleValue(&struct{}{}), KindHandle},
		{DTypeValue(Float32), KindDType},
		{DeviceValue(Device{Type: DeviceCPU, ID: 0}), KindDevice},
		{ArrayValue([]Value{IntValue(1)}), KindArray},
		{ObjectValue("anything"), KindObject},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.kind, tc.v.Kind(), tc.kind.String())
	}
}

func TestValueAccessors(t *testing.T) {
	assert.Equal(t, int64(-7), IntValue(-7).Int())
	assert.Equal(t, int64(1), BoolValue(true).Int())
	assert.Equal(t, int64(0), BoolValue(false).Int())
	assert.Equal(t, 1.5, FloatValue(1.5).Float())
	assert.Equal(t, "x", StringValue("x").Str())
	assert.True(t, NilValue().IsNil())

	// Cross-kind reads fall back to zero values; If relies on this.
	assert.Equal(t, int64(0), StringValue("7").Int())
	assert.Equal(t, int64(0), NilValue().Int())
	assert.Nil(t, IntValue(1).Array())
	assert.Nil(t, IntValue(1).NDArray())
	assert.Nil(t, IntValue(1).Func())
}

func TestDTypeRoundTripThroughValue(t *testing.T) {
	for _, dt := range []DType{Float32, Float64, Int32, Int64, UInt8, Float16} {
		v := DTypeValue(dt)
		assert.Equal(t, dt, v.DType(), dt.String())
	}
	assert.Equal(t, "float32", Float32.String())
	assert.Equal(t, "int64", Int64.String())
	assert.Equal(t, "uint8", UInt8.String())
}

func TestDeviceRoundTripThroughValue(t *testing.T) {
	devs := []Device{
		{Type: DeviceCPU, ID: 0},
		{Type: DeviceCUDA, ID: 3},
		{Type: DeviceVulkan, ID: -1},
	}
	for _, d := range devs {
		v := DeviceValue(d)
		assert.Equal(t, d, v.Device(), d.String())
	}
	assert.Equal(t, "cuda:3", devs[1].String())
}

func TestSpecialRegisterNames(t *testing.T) {
	assert.Equal(t, RegisterBoundary, VoidRegister)
	assert.Equal(t, RegisterBoundary+1, ContextRegister)
	assert.Less(t, RegName(1<<40), RegisterBoundary)
}
