package vm

import (
	"testing"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/registry"
	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instrEvent struct {
	name    string
	before  bool
	numArgs int
	ret     vmtypes.Value
}

func TestInstrumentBeforeAfterOrdering(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))

	var events []instrEvent
	machine.SetInstrument(func(args []vmtypes.Value) (vmtypes.Value, error) {
		events = append(events, instrEvent{
			name:    args[1].Str(),
			before:  args[2].Bool(),
			numArgs: len(args) - 4,
			ret:     args[3],
		})
		return vmtypes.IntValue(InstrumentNoOp), nil
	})

	out := invokeMain(t, machine, vmtypes.IntValue(5))
	assert.Equal(t, int64(16), out.Int())

	require.Len(t, events, 4)
	assert.Equal(t, "native_add", events[0].name)
	assert.True(t, events[0].before)
	assert.True(t, events[0].ret.IsNil())
	assert.Equal(t, "native_add", events[1].name)
	assert.False(t, events[1].before)
	assert.Equal(t, int64(8), events[1].ret.Int())
	assert.Equal(t, "native_mul", events[2].name)
	assert.True(t, events[2].before)
	assert.Equal(t, "native_mul", events[3].name)
	assert.False(t, events[3].before)

	// Scratch holds the 4 header slots plus every call argument.
	for _, ev := range events {
		assert.Equal(t, 2, ev.numArgs)
	}
}

func TestInstrumentSkipRun(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))

	var afterSeen []string
	machine.SetInstrument(func(args []vmtypes.Value) (vmtypes.Value, error) {
		name := args[1].Str()
		if args[2].Bool() {
			if name == "native_add" {
				return vmtypes.IntValue(InstrumentSkipRun), nil
			}
			return vmtypes.IntValue(InstrumentNoOp), nil
		}
		afterSeen = append(afterSeen, name)
		return vmtypes.IntValue(InstrumentNoOp), nil
	})

	out := invokeMain(t, machine, vmtypes.IntValue(5))
	// native_add was skipped: r1 stays nil, reads as 0, so 0 * 2 = 0.
	assert.Equal(t, int64(0), out.Int())
	// No after hook for the skipped call.
	assert.Equal(t, []string{"native_mul"}, afterSeen)
}

func TestInstrumentStringifiesDTypeArgs(t *testing.T) {
	var kernelSaw vmtypes.Kind
	registry.Register("native_dtype_probe", func(args []vmtypes.Value) (vmtypes.Value, error) {
		kernelSaw = args[0].Kind()
		return vmtypes.IntValue(1), nil
	})
	defer registry.Remove("native_dtype_probe")

	b := exec.NewBuilder()
	probe := b.DeclareNative("native_dtype_probe")
	dtConst := b.AddConstant(vmtypes.DTypeValue(vmtypes.Float32))
	b.BeginFunc("main", 4)
	b.EmitCall(1, probe, exec.ArgConstIdx(dtConst))
	b.EmitRet(1)
	e, err := b.Build()
	require.NoError(t, err)

	machine := newTestVM(t, e)

	var hookSaw []vmtypes.Value
	machine.SetInstrument(func(args []vmtypes.Value) (vmtypes.Value, error) {
		hookSaw = append(hookSaw, args[4])
		return vmtypes.IntValue(InstrumentNoOp), nil
	})

	out := invokeMain(t, machine)
	assert.Equal(t, int64(1), out.Int())

	// The hooks consume the string form; the kernel got the dtype value.
	require.Len(t, hookSaw, 2)
	assert.Equal(t, vmtypes.KindString, hookSaw[0].Kind())
	assert.Equal(t, "float32", hookSaw[0].Str())
	assert.Equal(t, vmtypes.KindString, hookSaw[1].Kind())
	assert.Equal(t, vmtypes.KindDType, kernelSaw)
}

func TestSetInstrumentViaFactory(t *testing.T) {
	var called int
	registry.Register("test.instrument.factory", func(args []vmtypes.Value) (vmtypes.Value, error) {
		hook := func(args []vmtypes.Value) (vmtypes.Value, error) {
			called++
			return vmtypes.IntValue(InstrumentNoOp), nil
		}
		return vmtypes.FuncValue(hook), nil
	})
	defer registry.Remove("test.instrument.factory")

	machine := newTestVM(t, buildTwoCall(t))
	setInstr, ok := machine.GetFunction("set_instrument")
	require.True(t, ok)
	_, err := setInstr([]vmtypes.Value{vmtypes.StringValue("test.instrument.factory")})
	require.NoError(t, err)

	invokeMain(t, machine, vmtypes.IntValue(5))
	assert.Equal(t, 4, called)
}
