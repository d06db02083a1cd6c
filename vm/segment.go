package vm

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/vmerrors"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// SegAnnotator delimits segments in a runtime sequence.
const SegAnnotator = "@seg"

var pcLinePattern = regexp.MustCompile(`pc\s*=\s*(\d+)`)

// entryFuncName is the function the segment runner drives.
const entryFuncName = "main"

// SegmentRunnerGetSkeleton walks main from its start pc the way a nominal
// run would (registers zero-filled, so If falls to the false branch) and
// renders one line per Call:
//
//	pc = <N>, execute: <function-name>
//
// The result is a template for hand-partitioning into a runtime sequence.
func (vm *VM) SegmentRunnerGetSkeleton() (string, error) {
	gfIdx, ok := vm.exec.FindFunc(entryFuncName)
	if !ok {
		return "", fmt.Errorf("%w: cannot find %s function", vmerrors.ErrUnknownFunction, entryFuncName)
	}
	gfunc, err := vm.exec.FuncAt(gfIdx)
	if err != nil {
		return "", err
	}
	guard := vm.pushFrame(vm.pc, gfunc)
	defer guard.pop()
	currFrame := vm.currentFrame()

	vm.pc = gfunc.StartInstr

	var sb strings.Builder
	for {
		instr, err := vm.exec.GetInstruction(vm.pc)
		if err != nil {
			return "", fmt.Errorf("%w: run into invalid section: %v", vmerrors.ErrIndexOutOfBounds, err)
		}
		switch instr.Op {
		case exec.OpCall:
			fmt.Fprintf(&sb, "pc = %d, execute: %s\n", vm.pc, vm.funcName(instr.FuncIdx))
			vm.pc++
		case exec.OpRet:
			return sb.String(), nil
		case exec.OpGoto:
			vm.pc += instr.PcOffset
		case exec.OpIf:
			if err := vm.runInstrIf(currFrame, instr); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("%w: opcode %d at pc %d", vmerrors.ErrInvalidInstruction, int(instr.Op), vm.pc)
		}
	}
}

// SegmentRunnerLoad parses a runtime sequence into the segment table,
// resets the persistent frame and marks the runner initialized. It returns
// the number of segments, or -1 on failure (the runner is then left
// uninitialized).
func (vm *VM) SegmentRunnerLoad(runtimeSequence string) int {
	count, err := vm.segmentRunnerLoad(runtimeSequence)
	if err != nil {
		log.Error(log.SegmentMonitoring, "segment load failed", "err", err)
		vm.perSegmentPCList = nil
		vm.segmentsInitialized = false
		return -1
	}
	log.Info(log.SegmentMonitoring, "segments loaded", "count", count)
	return count
}

func (vm *VM) segmentRunnerLoad(runtimeSequence string) (int, error) {
	if strings.TrimSpace(runtimeSequence) == "" {
		return 0, fmt.Errorf("%w: runtime sequence is empty", vmerrors.ErrSegmentParse)
	}

	type sequenceLine struct {
		raw     string
		trimmed string
	}

	// Preprocessing: trim each line, drop empty lines.
	var lines []sequenceLine
	scanner := bufio.NewScanner(strings.NewReader(runtimeSequence))
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		lines = append(lines, sequenceLine{raw: raw, trimmed: trimmed})
	}

	// Front-end validation.
	if lines[0].trimmed != SegAnnotator {
		return 0, fmt.Errorf("%w: does not start with %s annotator", vmerrors.ErrSegmentParse, SegAnnotator)
	}
	if lines[len(lines)-1].trimmed != SegAnnotator {
		return 0, fmt.Errorf("%w: does not end with %s annotator", vmerrors.ErrSegmentParse, SegAnnotator)
	}

	// Parsing.
	var segments [][]int64
	for _, line := range lines {
		if line.trimmed == SegAnnotator {
			segments = append(segments, []int64{})
			continue
		}
		matches := pcLinePattern.FindAllStringSubmatch(line.trimmed, -1)
		if len(matches) == 0 {
			return 0, fmt.Errorf("%w: no program counter found in a line: %q", vmerrors.ErrSegmentParse, line.raw)
		}
		if len(matches) > 1 {
			return 0, fmt.Errorf("%w: multiple program counters in a line: %q", vmerrors.ErrSegmentParse, line.raw)
		}
		pc, err := strconv.ParseInt(matches[0][1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad program counter in a line: %q", vmerrors.ErrSegmentParse, line.raw)
		}
		segments[len(segments)-1] = append(segments[len(segments)-1], pc)
	}

	// Trailing empty segments are dropped silently; a table of bare
	// annotators parses to zero segments.
	for len(segments) > 0 && len(segments[len(segments)-1]) == 0 {
		segments = segments[:len(segments)-1]
	}

	gfIdx, ok := vm.exec.FindFunc(entryFuncName)
	if !ok {
		return 0, fmt.Errorf("%w: cannot find %s function", vmerrors.ErrUnknownFunction, entryFuncName)
	}
	mainFunc, err := vm.exec.FuncAt(gfIdx)
	if err != nil {
		return 0, err
	}

	vm.perSegmentPCList = segments
	vm.pc = mainFunc.StartInstr
	// The persistent frame lives outside the active stack and the free
	// list; its registers survive across Run calls.
	vm.segmentsFrame = newFrame(mainFunc.StartInstr, mainFunc.RegisterFileSize)
	vm.prevSegmentID = -1
	vm.segmentsInitialized = true

	return len(segments), nil
}

// SegmentRunnerSetInput writes inputs into registers 0..K-1 of the
// persistent frame. Returns 0, or -1 if the frame does not exist.
func (vm *VM) SegmentRunnerSetInput(inputs []vmtypes.Value) int {
	if err := vm.segmentRunnerSetInput(inputs); err != nil {
		log.Error(log.SegmentMonitoring, "segment set input failed", "err", err)
		return -1
	}
	return 0
}

func (vm *VM) segmentRunnerSetInput(inputs []vmtypes.Value) error {
	if vm.segmentsFrame == nil {
		return vmerrors.ErrSegmentsFrameMissing
	}
	dev, alloc, err := vm.primary()
	if err != nil {
		return err
	}
	currFrame := vm.segmentsFrame
	for i := range inputs {
		conv, err := vm.convertArgToDevice(inputs[i], dev, alloc)
		if err != nil {
			return err
		}
		vm.writeRegister(currFrame, vmtypes.RegName(i), conv)
	}
	return nil
}

// SegmentRunnerRun executes every pc of segment segmentID against the
// persistent frame. Returns segmentID, or -1 on failure. Skipping ahead of
// the expected next segment only warns.
func (vm *VM) SegmentRunnerRun(segmentID int) int {
	if err := vm.segmentRunnerRun(segmentID); err != nil {
		log.Error(log.SegmentMonitoring, "segment run failed", "segment_id", segmentID, "err", err)
		return -1
	}
	return segmentID
}

func (vm *VM) segmentRunnerRun(segmentID int) error {
	if !vm.segmentsInitialized {
		return fmt.Errorf("%w: segments are not initialized", vmerrors.ErrSegmentRunnerUninitialized)
	}
	currFrame := vm.segmentsFrame

	segmentLength := len(vm.perSegmentPCList)
	if segmentID < 0 || segmentID > segmentLength-1 {
		return fmt.Errorf("%w: segment id is bigger than length (segment_id: %d, length: %d)",
			vmerrors.ErrSegmentIdOutOfRange, segmentID, segmentLength)
	}
	if segmentID > vm.prevSegmentID+1 {
		log.Warn(log.SegmentMonitoring, "segment is skipped", "segment_id", segmentID, "prev_segment_id", vm.prevSegmentID)
	}

	for _, pc := range vm.perSegmentPCList[segmentID] {
		vm.pc = pc
		instr, err := vm.exec.GetInstruction(vm.pc)
		if err != nil {
			return fmt.Errorf("%w: run into invalid section: %v", vmerrors.ErrIndexOutOfBounds, err)
		}
		switch instr.Op {
		case exec.OpCall:
			if err := vm.runInstrCall(currFrame, instr); err != nil {
				return err
			}
		case exec.OpRet:
			return fmt.Errorf("%w: segment %d", vmerrors.ErrSegmentHitReturn, segmentID)
		case exec.OpGoto:
			vm.pc += instr.PcOffset
		case exec.OpIf:
			if err := vm.runInstrIf(currFrame, instr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: opcode %d at pc %d", vmerrors.ErrInvalidInstruction, int(instr.Op), vm.pc)
		}
	}

	if segmentID == segmentLength-1 {
		// Last segment: the next full pass starts fresh.
		vm.prevSegmentID = -1
	} else {
		vm.prevSegmentID = segmentID
	}
	return nil
}

// SegmentRunnerGetOutputValue reads the finished run's result from the
// persistent frame. The pc must sit on the Ret instruction; if it does not
// the call only warns and returns the current return value.
func (vm *VM) SegmentRunnerGetOutputValue() (vmtypes.Value, error) {
	if vm.segmentsFrame == nil {
		return vmtypes.NilValue(), vmerrors.ErrSegmentsFrameMissing
	}
	instr, err := vm.exec.GetInstruction(vm.pc)
	if err != nil {
		return vmtypes.NilValue(), fmt.Errorf("%w: run into invalid section: %v", vmerrors.ErrIndexOutOfBounds, err)
	}
	if instr.Op != exec.OpRet {
		log.Warn(log.SegmentMonitoring, "inference isn't finished", "pc", vm.pc, "op", instr.Op.String())
		return vm.returnValue, nil
	}

	currFrame := vm.segmentsFrame
	vm.returnValue = vm.readRegister(currFrame, instr.Result)

	callerReturnRegister := currFrame.callerReturnRegister
	if len(vm.frames) > 1 {
		// Mirror the Ret handler: deliver into the parent frame.
		parent := vm.frames[len(vm.frames)-2]
		vm.writeRegister(parent, callerReturnRegister, vm.returnValue)
	}
	return vm.returnValue, nil
}

// SegmentRunnerGetOutput returns the run's output tensors; an
// array-of-tensors result is unpacked into a flat list.
func (vm *VM) SegmentRunnerGetOutput() ([]vmtypes.Tensor, error) {
	v, err := vm.SegmentRunnerGetOutputValue()
	if err != nil {
		return nil, err
	}
	var out []vmtypes.Tensor
	if arr := v.Array(); arr != nil {
		for _, elem := range arr {
			if t := elem.NDArray(); t != nil {
				out = append(out, t)
			}
		}
		return out, nil
	}
	if t := v.NDArray(); t != nil {
		out = append(out, t)
	}
	return out, nil
}
