package exec

import (
	"testing"

	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgPacking(t *testing.T) {
	testCases := []struct {
		arg   Arg
		kind  ArgKind
		value int64
	}{
		{ArgRegister(0), ArgKindRegister, 0},
		{ArgRegister(7), ArgKindRegister, 7},
		{ArgImmediate(3), ArgKindImmediate, 3},
		{ArgImmediate(-4), ArgKindImmediate, -4},
		{ArgConstIdx(12), ArgKindConstIdx, 12},
		{ArgFuncIdx(2), ArgKindFuncIdx, 2},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.kind, tc.arg.Kind())
		assert.Equal(t, tc.value, tc.arg.Value())
	}
}

func TestBuilderProducesExecutableView(t *testing.T) {
	b := NewBuilder()
	add := b.DeclareNative("native_add")
	cIdx := b.AddConstant(vmtypes.IntValue(42))
	mainIdx := b.BeginFunc("main", 8, "x", "y")
	b.EmitCall(1, add, ArgRegister(0), ArgConstIdx(cIdx))
	b.EmitRet(1)
	e, err := b.Build()
	require.NoError(t, err)

	idx, ok := e.FindFunc("main")
	require.True(t, ok)
	assert.Equal(t, mainIdx, idx)

	info, err := e.FuncAt(idx)
	require.NoError(t, err)
	assert.Equal(t, "main", info.Name)
	assert.Equal(t, BytecodeFunc, info.Kind)
	assert.Equal(t, 2, info.NumArgs)
	assert.Equal(t, int64(8), info.RegisterFileSize)
	assert.Equal(t, int64(0), info.StartInstr)
	assert.Equal(t, []string{"x", "y"}, info.ParamNames)

	assert.Equal(t, int64(2), e.NumInstructions())
	in, err := e.GetInstruction(0)
	require.NoError(t, err)
	assert.Equal(t, OpCall, in.Op)
	assert.Equal(t, vmtypes.RegName(1), in.Dst)
	assert.Equal(t, add, in.FuncIdx)
	require.Len(t, in.Args, 2)
	assert.Equal(t, ArgKindRegister, in.Args[0].Kind())
	assert.Equal(t, ArgKindConstIdx, in.Args[1].Kind())

	c, err := e.ConstantAt(cIdx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Int())

	assert.Equal(t, []string{"main", "native_add"}, e.FuncNames())

	_, err = e.GetInstruction(2)
	assert.Error(t, err)
	_, err = e.ConstantAt(1)
	assert.Error(t, err)
	_, err = e.FuncAt(5)
	assert.Error(t, err)
}

func TestBuilderValidation(t *testing.T) {
	t.Run("call index out of range", func(t *testing.T) {
		b := NewBuilder()
		b.BeginFunc("main", 4)
		b.EmitCall(1, 9)
		b.EmitRet(1)
		_, err := b.Build()
		assert.Error(t, err)
	})
	t.Run("if false offset must exceed one", func(t *testing.T) {
		b := NewBuilder()
		b.BeginFunc("main", 4, "c")
		b.EmitIf(0, 1)
		b.EmitRet(0)
		_, err := b.Build()
		assert.Error(t, err)
	})
}

func TestSecondFunctionStartInstr(t *testing.T) {
	b := NewBuilder()
	b.BeginFunc("main", 4, "x")
	b.EmitRet(0)
	subIdx := b.BeginFunc("sub", 4, "v")
	b.EmitGoto(1)
	b.EmitRet(0)
	e, err := b.Build()
	require.NoError(t, err)

	info, err := e.FuncAt(subIdx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.StartInstr)
}
