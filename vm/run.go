package vm

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/vmerrors"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// InvokeClosurePacked invokes a function-pool entry: native functions are
// called directly, closures get the VM context handle prepended.
func (vm *VM) InvokeClosurePacked(fn vmtypes.Value, args []vmtypes.Value) (vmtypes.Value, error) {
	if packed := fn.Func(); packed != nil {
		return packed(args)
	}
	clo, ok := fn.Object().(*Closure)
	if !ok {
		return vmtypes.NilValue(), fmt.Errorf("%w: function slot holds neither a closure nor a packed function", vmerrors.ErrInvalidInstruction)
	}
	// Per convention the context handle is the VM itself; the closure and
	// this VM may or may not be bound to the same executable.
	all := make([]vmtypes.Value, 0, len(args)+1)
	all = append(all, vmtypes.HandleValue(vm))
	all = append(all, args...)
	return clo.Impl(all)
}

// invokeClosureInternal is the internal variant used by stateful
// invocation, whose inputs were already device-converted by SetInput; it
// forwards to InvokeClosurePacked unchanged.
func (vm *VM) invokeClosureInternal(fn vmtypes.Value, args []vmtypes.Value) (vmtypes.Value, error) {
	return vm.InvokeClosurePacked(fn, args)
}

// InvokeBytecode runs the bytecode function at gfIdx with args and returns
// its result. The caller's pc is preserved by the frame guard.
func (vm *VM) InvokeBytecode(gfIdx int64, args []vmtypes.Value) (retVal vmtypes.Value, retErr error) {
	gfunc, err := vm.exec.FuncAt(gfIdx)
	if err != nil {
		return vmtypes.NilValue(), fmt.Errorf("%w: %v", vmerrors.ErrIndexOutOfBounds, err)
	}
	if gfunc.Kind != exec.BytecodeFunc {
		return vmtypes.NilValue(), fmt.Errorf("%w: function %q is not a bytecode function", vmerrors.ErrInvalidInstruction, gfunc.Name)
	}
	if len(args) != gfunc.NumArgs {
		return vmtypes.NilValue(), fmt.Errorf("%w: invoking function %q expects %d arguments%s but %d were provided",
			vmerrors.ErrInvalidArgumentCount, gfunc.Name, gfunc.NumArgs, paramNameList(gfunc), len(args))
	}

	// The instruction at the current pc may be the caller's Call; its dst
	// is where this invocation's return value lands in the caller frame.
	currInstr, instrErr := vm.exec.GetInstruction(vm.pc)

	guard := vm.pushFrame(vm.pc, gfunc)
	defer guard.pop()
	currFrame := vm.currentFrame()
	if instrErr == nil && currInstr.Op == exec.OpCall {
		currFrame.callerReturnRegister = currInstr.Dst
	}

	for i := range args {
		vm.writeRegister(currFrame, vmtypes.RegName(i), args[i])
	}
	vm.pc = gfunc.StartInstr
	if err := vm.RunLoop(); err != nil {
		return vmtypes.NilValue(), err
	}
	return vm.returnValue, nil
}

// RunLoop decodes and executes instructions starting at the current pc
// until the executing function returns. The frame guard of the enclosing
// InvokeBytecode pops the frame on exit.
func (vm *VM) RunLoop() error {
	currFrame := vm.currentFrame()
	for {
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
			// Hitting the point from which the run started: return to
			// the caller, breaking the dispatch loop.
			vm.returnValue = vm.readRegister(currFrame, instr.Result)
			callerReturnRegister := currFrame.callerReturnRegister
			if len(vm.frames) > 1 {
				// Return from a local call: deliver into the parent frame.
				parent := vm.frames[len(vm.frames)-2]
				vm.writeRegister(parent, callerReturnRegister, vm.returnValue)
			}
			return nil
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
}

func (vm *VM) runInstrIf(currFrame *Frame, instr exec.Instruction) error {
	condVal := vm.readRegister(currFrame, instr.Cond).Int()
	if condVal != 0 {
		vm.pc++
		return nil
	}
	if instr.FalseOffset <= 1 {
		return fmt.Errorf("%w: if false offset %d at pc %d must be > 1", vmerrors.ErrInvalidInstruction, instr.FalseOffset, vm.pc)
	}
	vm.pc += instr.FalseOffset
	return nil
}

// runInstrCall materializes the call arguments, invokes the function-pool
// entry (wrapped by the instrument when installed) and stores the result.
func (vm *VM) runInstrCall(currFrame *Frame, instr exec.Instruction) error {
	log.Debug(log.VMMonitoring, "execute", "pc", vm.pc, "func", vm.funcName(instr.FuncIdx))

	argsBeginOffset := 0
	if vm.instrument != nil {
		argsBeginOffset = 4
	}
	// The call arg scratch lives in the current frame to increase reuse
	// and avoid re-allocation across calls.
	need := argsBeginOffset + len(instr.Args)
	if cap(currFrame.callArgs) < need {
		currFrame.callArgs = make([]vmtypes.Value, need)
	}
	currFrame.callArgs = currFrame.callArgs[:need]
	values := currFrame.callArgs

	for i, arg := range instr.Args {
		argIndex := argsBeginOffset + i
		switch arg.Kind() {
		case exec.ArgKindRegister:
			values[argIndex] = vm.readRegister(currFrame, arg.Value())
		case exec.ArgKindImmediate:
			values[argIndex] = vmtypes.IntValue(arg.Value())
		case exec.ArgKindConstIdx:
			ci := arg.Value()
			if ci < 0 || ci >= int64(len(vm.constPool)) {
				return fmt.Errorf("%w: constant index %d at pc %d", vmerrors.ErrIndexOutOfBounds, ci, vm.pc)
			}
			values[argIndex] = vm.constPool[ci]
		case exec.ArgKindFuncIdx:
			fi := arg.Value()
			if fi < 0 || fi >= int64(len(vm.funcPool)) {
				return fmt.Errorf("%w: function index %d at pc %d", vmerrors.ErrIndexOutOfBounds, fi, vm.pc)
			}
			values[argIndex] = vm.funcPool[fi]
		default:
			return fmt.Errorf("%w: unknown argument kind %d at pc %d", vmerrors.ErrInvalidInstruction, int(arg.Kind()), vm.pc)
		}
	}
	callArgs := values[argsBeginOffset:]

	if instr.FuncIdx < 0 || instr.FuncIdx >= int64(len(vm.funcPool)) {
		return fmt.Errorf("%w: call function index %d at pc %d", vmerrors.ErrIndexOutOfBounds, instr.FuncIdx, vm.pc)
	}

	var ret vmtypes.Value
	var err error
	if vm.instrument == nil {
		ret, err = vm.InvokeClosurePacked(vm.funcPool[instr.FuncIdx], callArgs)
		if err != nil {
			return err
		}
	} else {
		ret, err = vm.runInstrumentedCall(instr, values, callArgs)
		if err != nil {
			return err
		}
	}

	// Saving to a special register is a no-op.
	if instr.Dst < vmtypes.RegisterBoundary {
		vm.writeRegister(currFrame, instr.Dst, ret)
	}

	vm.pc++
	return nil
}

// runInstrumentedCall wraps one Call with the before/after instrument
// hooks. values is the full scratch (4 header slots + args); callArgs
// aliases the argument tail.
func (vm *VM) runInstrumentedCall(instr exec.Instruction, values, callArgs []vmtypes.Value) (vmtypes.Value, error) {
	values[0] = vm.funcPool[instr.FuncIdx]
	values[1] = vmtypes.StringValue(vm.funcName(instr.FuncIdx))
	values[2] = vmtypes.BoolValue(true)
	values[3] = vmtypes.NilValue()

	// Generic host code cannot consume dtype values, so dtype argument
	// slots are stringified for the hooks. The originals must be restored
	// before the real call: kernels expect the dtype value itself.
	var dtypeSlots []int
	var dtypeOrig []vmtypes.Value
	for i := range callArgs {
		if callArgs[i].Kind() == vmtypes.KindDType {
			dtypeSlots = append(dtypeSlots, i)
			dtypeOrig = append(dtypeOrig, callArgs[i])
			callArgs[i] = vmtypes.StringValue(callArgs[i].DType().String())
		}
	}

	retKind := InstrumentNoOp
	rv, err := vm.instrument(values)
	if err != nil {
		return vmtypes.NilValue(), err
	}
	if rv.Kind() == vmtypes.KindInt {
		retKind = rv.Int()
	}

	ret := vmtypes.NilValue()
	if retKind != InstrumentSkipRun {
		for i, slot := range dtypeSlots {
			callArgs[slot] = dtypeOrig[i]
		}
		ret, err = vm.InvokeClosurePacked(vm.funcPool[instr.FuncIdx], callArgs)
		if err != nil {
			return vmtypes.NilValue(), err
		}
		for i, slot := range dtypeSlots {
			callArgs[slot] = vmtypes.StringValue(dtypeOrig[i].DType().String())
		}
		values[2] = vmtypes.BoolValue(false)
		values[3] = ret
		if _, err := vm.instrument(values); err != nil {
			return vmtypes.NilValue(), err
		}
	}
	return ret, nil
}
