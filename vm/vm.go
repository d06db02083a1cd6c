// Package vm implements the register machine that executes compiled
// tensor-program bytecode: the call-frame stack, the function pool, the
// dispatch loop and the segment runner for stepping a program one segment
// at a time.
package vm

import (
	"fmt"
	"strings"

	"github.com/HayeonP/tvm-segment/exec"
	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/registry"
	"github.com/HayeonP/tvm-segment/vmerrors"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Instrument action codes returned by the pre-call hook.
const (
	InstrumentNoOp    int64 = 0
	InstrumentSkipRun int64 = 1
)

// VM holds all execution state for one loaded executable. A VM instance is
// single-threaded; concurrent use requires external synchronization.
type VM struct {
	// Devices is the runtime physical device list; Devices[0] is the
	// primary device values are marshalled onto.
	Devices []vmtypes.Device
	// Allocators mirror Devices index by index.
	Allocators []memory.Allocator

	exec    *exec.Executable
	imports []vmtypes.Module

	constPool []vmtypes.Value
	funcPool  []vmtypes.Value

	inputs        map[string][]vmtypes.Value
	outputs       map[string]vmtypes.Value
	savedClosures map[string]*Closure

	frames        []*Frame
	frameFreeList []*Frame

	pc          int64
	returnValue vmtypes.Value
	instrument  vmtypes.PackedFunc

	// Segment runner state. segmentsFrame is long-lived and never enters
	// the active stack or the free list.
	perSegmentPCList    [][]int64
	segmentsInitialized bool
	segmentsFrame       *Frame
	prevSegmentID       int
}

func NewVM() *VM {
	return &VM{
		inputs:        make(map[string][]vmtypes.Value),
		outputs:       make(map[string]vmtypes.Value),
		savedClosures: make(map[string]*Closure),
		prevSegmentID: -1,
	}
}

// LoadExecutable attaches the compiled program. Init must follow before
// any invocation.
func (vm *VM) LoadExecutable(e *exec.Executable) {
	vm.exec = e
	vm.imports = e.Imports()
}

// Init sets up one allocator per device, places tensor constants on the
// primary device and materializes the function pool.
func (vm *VM) Init(devices []vmtypes.Device, allocTypes []memory.AllocatorType) error {
	if vm.exec == nil {
		return fmt.Errorf("%w: the executable is not loaded yet", vmerrors.ErrNotInitialized)
	}
	if len(devices) != len(allocTypes) {
		return fmt.Errorf("%w: %d devices but %d allocator types", vmerrors.ErrNotInitialized, len(devices), len(allocTypes))
	}
	if len(devices) == 0 {
		return fmt.Errorf("%w: at least one device is required", vmerrors.ErrNotInitialized)
	}
	vm.Devices = make([]vmtypes.Device, 0, len(devices))
	vm.Allocators = make([]memory.Allocator, 0, len(devices))
	for i := range devices {
		alloc := memory.GetOrCreateAllocator(devices[i], allocTypes[i])
		vm.Devices = append(vm.Devices, devices[i])
		vm.Allocators = append(vm.Allocators, alloc)
	}

	// Constant section: tensors move to the primary device, the rest pass
	// through untouched.
	n := vm.exec.NumConstants()
	vm.constPool = make([]vmtypes.Value, 0, n)
	for i := int64(0); i < n; i++ {
		c, err := vm.exec.ConstantAt(i)
		if err != nil {
			return err
		}
		conv, err := vm.convertRegToDevice(c, vm.Devices[0], vm.Allocators[0])
		if err != nil {
			return err
		}
		vm.constPool = append(vm.constPool, conv)
	}
	return vm.initFuncPool()
}

// SetInstrument installs the per-call instrumentation hook. The hook is
// invoked as instrument(func, func_name, before, ret, args...) and may
// return InstrumentSkipRun from the before call to suppress the real call.
func (vm *VM) SetInstrument(fn vmtypes.PackedFunc) {
	vm.instrument = fn
}

// primary returns the device values are marshalled onto, with its
// allocator.
func (vm *VM) primary() (vmtypes.Device, memory.Allocator, error) {
	if len(vm.Devices) == 0 {
		return vmtypes.Device{}, nil, fmt.Errorf("%w: no devices initialized", vmerrors.ErrNotInitialized)
	}
	return vm.Devices[0], vm.Allocators[0], nil
}

func (vm *VM) getFuncFromImports(name string) (vmtypes.PackedFunc, bool) {
	for _, lib := range vm.imports {
		if fn, ok := lib.GetFunction(name); ok {
			return fn, true
		}
	}
	return nil, false
}

func (vm *VM) funcName(idx int64) string {
	info, err := vm.exec.FuncAt(idx)
	if err != nil {
		return fmt.Sprintf("<invalid:%d>", idx)
	}
	return info.Name
}

// initFuncPool resolves every function table entry into a callable value:
// native functions from imports then the registry, bytecode and hybrid
// functions as closures.
func (vm *VM) initFuncPool() error {
	vm.funcPool = make([]vmtypes.Value, vm.exec.NumFuncs())
	for idx := int64(0); idx < vm.exec.NumFuncs(); idx++ {
		info, err := vm.exec.FuncAt(idx)
		if err != nil {
			return err
		}
		if info.Kind == exec.NativeFunc {
			fn, ok := vm.getFuncFromImports(info.Name)
			if !ok {
				fn, ok = registry.Get(info.Name)
			}
			if !ok {
				return fmt.Errorf("%w: cannot find %q in either the kernel library imports or the function registry", vmerrors.ErrNativeNotFound, info.Name)
			}
			vm.funcPool[idx] = vmtypes.FuncValue(fn)
			continue
		}
		clo, err := vm.getClosureInternal(info.Name, false)
		if err != nil {
			return err
		}
		vm.funcPool[idx] = vmtypes.ObjectValue(clo)
	}
	return nil
}

// GetClosure returns the closure for a loaded function or a saved closure.
func (vm *VM) GetClosure(funcName string) (*Closure, error) {
	return vm.getClosureInternal(funcName, false)
}

func (vm *VM) getClosureInternal(funcName string, allowMissing bool) (*Closure, error) {
	if clo, ok := vm.savedClosures[funcName]; ok {
		return clo, nil
	}
	gfIdx, ok := vm.exec.FindFunc(funcName)
	if !ok {
		if allowMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", vmerrors.ErrUnknownFunction, funcName)
	}
	info, err := vm.exec.FuncAt(gfIdx)
	if err != nil {
		return nil, err
	}

	switch info.Kind {
	case exec.BytecodeFunc:
		// The closure must not capture the VM: the context handle comes
		// in as the first argument at invocation time.
		impl := func(args []vmtypes.Value) (vmtypes.Value, error) {
			ctx, ok := args[0].Handle().(*VM)
			if !ok {
				return vmtypes.NilValue(), fmt.Errorf("%w: closure expects the VM context handle as its first argument", vmerrors.ErrInvalidInstruction)
			}
			return ctx.InvokeBytecode(gfIdx, args[1:])
		}
		return NewClosure(funcName, impl), nil
	case exec.HybridFunc:
		tirFunc, ok := vm.getFuncFromImports(exec.HybridPrefix + info.Name)
		if !ok {
			return nil, fmt.Errorf("%w: cannot find underlying compiled function %q of hybrid function %q", vmerrors.ErrNativeNotFound, exec.HybridPrefix+info.Name, info.Name)
		}
		impl := func(args []vmtypes.Value) (vmtypes.Value, error) {
			ctx, ok := args[0].Handle().(*VM)
			if !ok {
				return vmtypes.NilValue(), fmt.Errorf("%w: closure expects the VM context handle as its first argument", vmerrors.ErrInvalidInstruction)
			}
			if len(args)-1 != info.NumArgs {
				return vmtypes.NilValue(), fmt.Errorf("%w: function %q expects %d arguments but %d were provided", vmerrors.ErrInvalidArgumentCount, info.Name, info.NumArgs, len(args)-1)
			}
			if info.RegisterFileSize < int64(info.NumArgs)+1 {
				return vmtypes.NilValue(), fmt.Errorf("%w: register file of %q too small for the return slot", vmerrors.ErrInvalidInstruction, info.Name)
			}
			regFile := make([]vmtypes.Value, info.RegisterFileSize)
			for i := 0; i < info.NumArgs; i++ {
				regFile[i] = args[i+1]
			}
			_, err := tirFunc([]vmtypes.Value{
				vmtypes.HandleValue(ctx),
				vmtypes.HandleValue(regFile),
				vmtypes.HandleValue(ctx.constPool),
				vmtypes.HandleValue(ctx.funcPool),
			})
			if err != nil {
				return vmtypes.NilValue(), err
			}
			// Return value always stored after inputs.
			return regFile[info.NumArgs], nil
		}
		return NewClosure(funcName, impl), nil
	default:
		return nil, fmt.Errorf("%w: cannot build a closure for function kind %s", vmerrors.ErrInvalidInstruction, info.Kind)
	}
}

// SaveClosure binds args to the end of funcName's argument list and stores
// the result under saveName. With includeReturn=false the saved closure
// swallows its return value.
func (vm *VM) SaveClosure(funcName, saveName string, includeReturn bool, args []vmtypes.Value) error {
	clo, err := vm.GetClosure(funcName)
	if err != nil {
		return err
	}
	dev, alloc, err := vm.primary()
	if err != nil {
		return err
	}
	inputs := make([]vmtypes.Value, len(args))
	for i := range args {
		conv, err := vm.convertArgToDevice(args[i], dev, alloc)
		if err != nil {
			return err
		}
		inputs[i] = conv
	}
	impl := BindLastArgs(clo.Impl, inputs)
	if !includeReturn {
		impl = dropReturn(impl)
	}
	vm.savedClosures[saveName] = NewClosure(saveName, impl)
	return nil
}

func (vm *VM) lookupVMFuncInfo(funcName string) (exec.VMFuncInfo, error) {
	if vm.exec == nil {
		return exec.VMFuncInfo{}, fmt.Errorf("%w: the executable is not loaded yet", vmerrors.ErrNotInitialized)
	}
	idx, ok := vm.exec.FindFunc(funcName)
	if !ok {
		return exec.VMFuncInfo{}, fmt.Errorf("%w: %q", vmerrors.ErrUnknownFunction, funcName)
	}
	return vm.exec.FuncAt(idx)
}

func (vm *VM) lookupVMOutput(funcName string) (vmtypes.Value, error) {
	out, ok := vm.outputs[funcName]
	if !ok {
		return vmtypes.NilValue(), fmt.Errorf("%w: no output saved for call of %q", vmerrors.ErrNoOutputSaved, funcName)
	}
	return out, nil
}

// SetInput device-converts args and stores them as the pending inputs of
// funcName. With withParamModule the final argument is a module whose
// get_params supplies the parameter pack.
func (vm *VM) SetInput(funcName string, withParamModule bool, args []vmtypes.Value) error {
	info, err := vm.lookupVMFuncInfo(funcName)
	if err != nil {
		return err
	}
	if len(args) != info.NumArgs {
		return fmt.Errorf("%w: function %q expects %d arguments%s but %d were provided",
			vmerrors.ErrInvalidArgumentCount, funcName, info.NumArgs, paramNameList(info), len(args))
	}
	dev, alloc, err := vm.primary()
	if err != nil {
		return err
	}
	funcArgs := make([]vmtypes.Value, len(args))
	for i := range args {
		if withParamModule && i == len(args)-1 {
			// Call the param module to materialize the parameter pack.
			mod := args[i].Module()
			if mod == nil {
				return fmt.Errorf("%w: the final argument must be a module", vmerrors.ErrInvalidInstruction)
			}
			getParams, ok := mod.GetFunction("get_params")
			if !ok {
				return fmt.Errorf("%w: get_params", vmerrors.ErrUnknownFunction)
			}
			v, err := getParams(nil)
			if err != nil {
				return err
			}
			funcArgs[i] = v
		} else {
			conv, err := vm.convertArgToDevice(args[i], dev, alloc)
			if err != nil {
				return err
			}
			funcArgs[i] = conv
		}
	}
	vm.inputs[funcName] = funcArgs
	return nil
}

// InvokeStateful invokes funcName with the inputs previously stored by
// SetInput and saves the output.
func (vm *VM) InvokeStateful(funcName string) error {
	idx, ok := vm.exec.FindFunc(funcName)
	if !ok {
		return fmt.Errorf("%w: %q", vmerrors.ErrUnknownFunction, funcName)
	}
	in, ok := vm.inputs[funcName]
	if !ok {
		return fmt.Errorf("%w: %q", vmerrors.ErrNoInputsSet, funcName)
	}
	out, err := vm.invokeClosureInternal(vm.funcPool[idx], in)
	if err != nil {
		return err
	}
	vm.outputs[funcName] = out
	return nil
}

func paramNameList(info exec.VMFuncInfo) string {
	if len(info.ParamNames) == 0 {
		return ""
	}
	return " (" + strings.Join(info.ParamNames, ", ") + ")"
}
