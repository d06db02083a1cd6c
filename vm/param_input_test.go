package vm

import (
	"testing"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/params"
	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// set_input_with_param_module materializes the parameter pack by calling
// the module's get_params; the pack fills the final input slot.
func TestSetInputWithParamModule(t *testing.T) {
	store, err := params.NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	dev := vmtypes.Device{Type: vmtypes.DeviceCPU, ID: 0}
	require.NoError(t, store.Put("w", memory.NewFromFloat64s([]float64{0.5}, dev)))
	mod, err := params.NewModule(store, "w")
	require.NoError(t, err)

	b := exec.NewBuilder()
	b.BeginFunc("main", 8, "x", "params")
	b.EmitRet(1)
	e, err := b.Build()
	require.NoError(t, err)
	machine := newTestVM(t, e)

	setInput, ok := machine.GetFunction("set_input_with_param_module")
	require.True(t, ok)
	_, err = setInput([]vmtypes.Value{
		vmtypes.StringValue("main"),
		vmtypes.IntValue(7),
		vmtypes.ModuleValue(mod),
	})
	require.NoError(t, err)

	require.NoError(t, machine.InvokeStateful("main"))

	// main returns its params slot: the array produced by get_params.
	arityFn, _ := machine.GetFunction("get_output_arity")
	arity, err := arityFn([]vmtypes.Value{vmtypes.StringValue("main")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), arity.Int())

	getOutput, _ := machine.GetFunction("get_output")
	out, err := getOutput([]vmtypes.Value{vmtypes.StringValue("main"), vmtypes.IntValue(0)})
	require.NoError(t, err)
	tensor := out.NDArray()
	require.NotNil(t, tensor)
	assert.Equal(t, []float64{0.5}, tensor.(*memory.NDArray).Float64s())
}
