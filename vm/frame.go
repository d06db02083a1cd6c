package vm

import (
	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Frame is a per-invocation record: the caller's resume point, the register
// file, the caller's destination register, and scratch space for assembling
// outgoing call arguments. The scratch is reused across Call instructions
// within one function scope to avoid re-allocation.
type Frame struct {
	returnPC             int64
	registerFile         []vmtypes.Value
	callerReturnRegister vmtypes.RegName

	callArgs []vmtypes.Value
}

func newFrame(returnPC int64, registerFileSize int64) *Frame {
	return &Frame{
		returnPC:     returnPC,
		registerFile: make([]vmtypes.Value, registerFileSize),
	}
}

func (f *Frame) clear() {
	f.callerReturnRegister = 0
	f.callArgs = f.callArgs[:0]
	for i := range f.registerFile {
		f.registerFile[i] = vmtypes.NilValue()
	}
}

func (f *Frame) resetForRecycle(returnPC int64, registerFileSize int64) {
	f.returnPC = returnPC
	if int64(cap(f.registerFile)) >= registerFileSize {
		f.registerFile = f.registerFile[:registerFileSize]
	} else {
		f.registerFile = make([]vmtypes.Value, registerFileSize)
	}
}

// frameGuard pops its frame when released. Callers must defer pop
// immediately after pushFrame so cleanup runs on every exit path,
// including error unwinds.
type frameGuard struct {
	vm *VM
}

func (g *frameGuard) pop() {
	vm := g.vm
	top := vm.frames[len(vm.frames)-1]
	vm.pc = top.returnPC
	top.clear()
	vm.frameFreeList = append(vm.frameFreeList, top)
	vm.frames = vm.frames[:len(vm.frames)-1]
}

// pushFrame obtains a frame, recycled when possible, and places it on the
// active stack.
func (vm *VM) pushFrame(returnPC int64, fn exec.VMFuncInfo) *frameGuard {
	var frame *Frame
	if n := len(vm.frameFreeList); n > 0 {
		frame = vm.frameFreeList[n-1]
		vm.frameFreeList = vm.frameFreeList[:n-1]
		frame.resetForRecycle(returnPC, fn.RegisterFileSize)
	} else {
		frame = newFrame(returnPC, fn.RegisterFileSize)
	}
	vm.frames = append(vm.frames, frame)
	return &frameGuard{vm: vm}
}

func (vm *VM) currentFrame() *Frame {
	return vm.frames[len(vm.frames)-1]
}

// writeRegister stores obj into reg of frame. Writes to special registers
// are no-ops.
func (vm *VM) writeRegister(frame *Frame, reg vmtypes.RegName, obj vmtypes.Value) {
	if reg >= vmtypes.RegisterBoundary {
		return
	}
	frame.registerFile[reg] = obj
}

// readRegister loads reg of frame. The void register reads as nil; the
// context register reads as the opaque handle of this VM, which is the
// identity bytecode closures receive as their first argument.
func (vm *VM) readRegister(frame *Frame, reg vmtypes.RegName) vmtypes.Value {
	if reg < vmtypes.RegisterBoundary {
		return frame.registerFile[reg]
	}
	if reg == vmtypes.VoidRegister {
		return vmtypes.NilValue()
	}
	return vmtypes.HandleValue(vm)
}
