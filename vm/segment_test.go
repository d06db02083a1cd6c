package vm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/vmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSkeletonTwoCall(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	skel, err := machine.SegmentRunnerGetSkeleton()
	require.NoError(t, err)
	assert.Equal(t, "pc = 0, execute: native_add\npc = 1, execute: native_mul\n", skel)

	// The walk pushed and popped a frame; nothing is left behind.
	assert.Len(t, machine.frames, 0)
}

func TestGetSkeletonFollowsControlFlow(t *testing.T) {
	// Registers are zero-filled during the walk, so If takes the false
	// branch and the Goto/Ret tail never emits lines.
	machine := newTestVM(t, buildConditional(t))
	skel, err := machine.SegmentRunnerGetSkeleton()
	require.NoError(t, err)
	assert.Equal(t, "pc = 0, execute: native_iden\npc = 1, execute: native_iden\n", skel)
}

func TestSegmentLoadTable(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		expected int
	}{
		{"two segments", "@seg\npc=0\n@seg\npc=1\n@seg\n", 2},
		{"one segment two pcs", "@seg\npc=0\npc=1\n@seg\n", 1},
		{"empty table", "@seg\n@seg\n", 0},
		{"whitespace tolerated", "  @seg  \n  pc = 0 \n\n@seg\n", 1},
		{"suffix after pc", "@seg\npc=0, execute: native_add\n@seg\n", 1},
		{"missing leading seg", "pc=0\n@seg\n", -1},
		{"missing trailing seg", "@seg\npc=0\n", -1},
		{"no pc in line", "@seg\nexecute: native_add\n@seg\n", -1},
		{"two pcs in line", "@seg\npc=0 pc=1\n@seg\n", -1},
		{"empty text", "", -1},
		{"blank text", "  \n \n", -1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			machine := newTestVM(t, buildTwoCall(t))
			assert.Equal(t, tc.expected, machine.SegmentRunnerLoad(tc.text))
			if tc.expected < 0 {
				// A failed load leaves the runner unusable.
				assert.Equal(t, -1, machine.SegmentRunnerRun(0))
			}
		})
	}
}

func TestSegmentedRunOfTwoCall(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))

	count := machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n")
	require.Equal(t, 2, count)
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
	assert.Equal(t, 0, machine.SegmentRunnerRun(0))
	assert.Equal(t, 1, machine.SegmentRunnerRun(1))

	out, err := machine.SegmentRunnerGetOutputValue()
	require.NoError(t, err)
	assert.Equal(t, int64(16), out.Int())
}

func TestRunLeavesPCOnRet(t *testing.T) {
	// Segment tables stop before Ret: after the last Call the advanced pc
	// sits exactly on the Ret instruction GetOutput expects.
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 2, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
	machine.SegmentRunnerRun(0)
	machine.SegmentRunnerRun(1)

	instr, err := machine.exec.GetInstruction(machine.pc)
	require.NoError(t, err)
	assert.Equal(t, exec.OpRet, instr.Op)
}

func TestSegmentedMatchesMonolithic(t *testing.T) {
	for _, input := range []int64{0, 5, 13} {
		mono := newTestVM(t, buildTwoCall(t))
		mainIdx, _ := mono.exec.FindFunc("main")
		expected, err := mono.InvokeBytecode(mainIdx, []vmtypes.Value{vmtypes.IntValue(input)})
		require.NoError(t, err)

		seg := newTestVM(t, buildTwoCall(t))
		skel, err := seg.SegmentRunnerGetSkeleton()
		require.NoError(t, err)

		// Partition the unmodified skeleton one pc per segment.
		var sb strings.Builder
		sb.WriteString("@seg\n")
		for _, line := range strings.Split(strings.TrimSpace(skel), "\n") {
			sb.WriteString(line + "\n@seg\n")
		}
		count := seg.SegmentRunnerLoad(sb.String())
		require.Equal(t, 2, count)
		require.Equal(t, 0, seg.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(input)}))
		for i := 0; i < count; i++ {
			require.Equal(t, i, seg.SegmentRunnerRun(i))
		}
		got, err := seg.SegmentRunnerGetOutputValue()
		require.NoError(t, err)
		assert.Equal(t, expected.Int(), got.Int(), "input=%d", input)
	}
}

func TestSegmentUnionEqualsSkeleton(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	skel, err := machine.SegmentRunnerGetSkeleton()
	require.NoError(t, err)

	// The skeleton itself, wrapped in a single segment, parses to the
	// same pc list the skeleton rendered.
	text := "@seg\n" + skel + "@seg\n"
	require.Equal(t, 1, machine.SegmentRunnerLoad(text))

	var skelPCs []int64
	for _, line := range strings.Split(strings.TrimSpace(skel), "\n") {
		var pc int64
		_, err := fmt.Sscanf(line, "pc = %d,", &pc)
		require.NoError(t, err)
		skelPCs = append(skelPCs, pc)
	}
	var union []int64
	for _, seg := range machine.perSegmentPCList {
		union = append(union, seg...)
	}
	assert.Equal(t, skelPCs, union)
}

func TestIdempotentLoad(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	text := "@seg\npc=0\n@seg\npc=1\n@seg\n"

	require.Equal(t, 2, machine.SegmentRunnerLoad(text))
	require.Equal(t, 2, machine.SegmentRunnerLoad(text))
	assert.Len(t, machine.perSegmentPCList, 2)

	// The persistent frame was reset by the second load.
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
	assert.Equal(t, 0, machine.SegmentRunnerRun(0))
	assert.Equal(t, 1, machine.SegmentRunnerRun(1))
	out, err := machine.SegmentRunnerGetOutputValue()
	require.NoError(t, err)
	assert.Equal(t, int64(16), out.Int())
}

func TestSegmentWraparound(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 2, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))

	// Two full passes; registers persist, so the second pass reuses the
	// seeded input.
	for pass := 0; pass < 2; pass++ {
		assert.Equal(t, 0, machine.SegmentRunnerRun(0))
		assert.Equal(t, 1, machine.SegmentRunnerRun(1))
		out, err := machine.SegmentRunnerGetOutputValue()
		require.NoError(t, err)
		assert.Equal(t, int64(16), out.Int(), "pass %d", pass)
	}
	assert.Equal(t, -1, machine.prevSegmentID)
}

func TestSegmentSkipIsNonFatal(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 2, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))

	// Jumping straight to segment 1 warns but runs.
	assert.Equal(t, 1, machine.SegmentRunnerRun(1))
}

func TestSegmentIdOutOfRange(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 2, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n"))
	assert.Equal(t, -1, machine.SegmentRunnerRun(2))
	assert.Equal(t, -1, machine.SegmentRunnerRun(-1))
}

func TestRunBeforeLoadFails(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	assert.Equal(t, -1, machine.SegmentRunnerRun(0))
	assert.Equal(t, -1, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
}

func TestRetInsideSegmentFails(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 1, machine.SegmentRunnerLoad("@seg\npc=0\npc=1\npc=2\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
	assert.Equal(t, -1, machine.SegmentRunnerRun(0))
}

func TestGetOutputBeforeReturnWarnsOnly(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))
	require.Equal(t, 2, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\npc=1\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(5)}))
	require.Equal(t, 0, machine.SegmentRunnerRun(0))

	// pc sits on the mul Call, not on Ret: a warning, not an error.
	out, err := machine.SegmentRunnerGetOutputValue()
	require.NoError(t, err)
	assert.True(t, out.IsNil())
}

func TestGotoAndIfInsideSegment(t *testing.T) {
	// Hand-edited tables may list Goto/If pcs; they execute, and the next
	// list entry overwrites whatever pc they computed.
	machine := newTestVM(t, buildConditional(t))
	require.Equal(t, 1, machine.SegmentRunnerLoad("@seg\npc=0\npc=1\npc=2\npc=3\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.IntValue(1)}))
	require.Equal(t, 0, machine.SegmentRunnerRun(0))

	// After the trailing Goto (+2 from pc 3) the pc points at Ret r1.
	out, err := machine.SegmentRunnerGetOutputValue()
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.Int())
}

func TestSegmentInputsAreDeviceConverted(t *testing.T) {
	b := exec.NewBuilder()
	b.BeginFunc("main", 4, "x")
	b.EmitRet(0)
	e, err := b.Build()
	require.NoError(t, err)
	machine := newTestVM(t, e)

	require.Equal(t, 0, machine.SegmentRunnerLoad("@seg\n@seg\n"))
	remote := memory.NewFromFloat64s([]float64{1, 2}, vmtypes.Device{Type: vmtypes.DeviceCUDA, ID: 1})
	require.Equal(t, 0, machine.SegmentRunnerSetInput([]vmtypes.Value{vmtypes.NDArrayValue(remote)}))

	stored := machine.segmentsFrame.registerFile[0].NDArray()
	require.NotNil(t, stored)
	assert.True(t, stored.Device().Equal(machine.Devices[0]))
}

func TestSegmentGetOutputUnpacksTensorArray(t *testing.T) {
	// main returns (t1, t2) built by a native kernel; the runner's output
	// unpacks the pair into a flat tensor list.
	dev := vmtypes.Device{Type: vmtypes.DeviceCPU, ID: 0}
	t1 := memory.NewFromFloat64s([]float64{1}, dev)
	t2 := memory.NewFromFloat64s([]float64{2}, dev)

	lib := modStub{fns: map[string]vmtypes.PackedFunc{
		"native_make_tuple": func(args []vmtypes.Value) (vmtypes.Value, error) {
			return vmtypes.ArrayValue([]vmtypes.Value{
				vmtypes.NDArrayValue(t1),
				vmtypes.NDArrayValue(t2),
			}), nil
		},
	}}

	b := exec.NewBuilder()
	b.AddImport(lib)
	mk := b.DeclareNative("native_make_tuple")
	b.BeginFunc("main", 4)
	b.EmitCall(1, mk)
	b.EmitRet(1)
	e, err := b.Build()
	require.NoError(t, err)

	machine := newTestVM(t, e)
	require.Equal(t, 1, machine.SegmentRunnerLoad("@seg\npc=0\n@seg\n"))
	require.Equal(t, 0, machine.SegmentRunnerRun(0))

	tensors, err := machine.SegmentRunnerGetOutput()
	require.NoError(t, err)
	require.Len(t, tensors, 2)
	assert.Equal(t, []float64{1}, tensors[0].(*memory.NDArray).Float64s())
	assert.Equal(t, []float64{2}, tensors[1].(*memory.NDArray).Float64s())
}

func TestSegmentModuleSurface(t *testing.T) {
	machine := newTestVM(t, buildTwoCall(t))

	skelFn, _ := machine.GetFunction("segment_runner.get_skeleton")
	loadFn, _ := machine.GetFunction("segment_runner.load")
	inputFn, _ := machine.GetFunction("segment_runner.set_input")
	runFn, _ := machine.GetFunction("segment_runner.run")
	outFn, _ := machine.GetFunction("segment_runner.get_output")

	skel, err := skelFn(nil)
	require.NoError(t, err)
	assert.Contains(t, skel.Str(), "pc = 0, execute: native_add")

	rv, err := loadFn([]vmtypes.Value{vmtypes.StringValue("@seg\npc=0\n@seg\npc=1\n@seg\n")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rv.Int())

	rv, err = inputFn([]vmtypes.Value{vmtypes.IntValue(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rv.Int())

	for i := int64(0); i < 2; i++ {
		rv, err = runFn([]vmtypes.Value{vmtypes.IntValue(i)})
		require.NoError(t, err)
		assert.Equal(t, i, rv.Int())
	}

	out, err := outFn(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(16), out.Int())
}
