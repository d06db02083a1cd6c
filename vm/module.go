package vm

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/memory"
	"github.com/HayeonP/tvm-segment/registry"
	"github.com/HayeonP/tvm-segment/vmerrors"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// indexIntoNestedObject uses indices as a path into nested arrays and
// returns the final node.
func indexIntoNestedObject(obj vmtypes.Value, indices []vmtypes.Value) (vmtypes.Value, error) {
	for _, idxVal := range indices {
		arr := obj.Array()
		if arr == nil {
			return vmtypes.NilValue(), fmt.Errorf("%w: attempted to index into an object that is not an array", vmerrors.ErrNotAnArray)
		}
		idx := idxVal.Int()
		if idx < 0 || idx >= int64(len(arr)) {
			return vmtypes.NilValue(), fmt.Errorf("%w: invalid index (%d >= %d)", vmerrors.ErrIndexOutOfBounds, idx, len(arr))
		}
		obj = arr[idx]
	}
	return obj, nil
}

// GetFunction exposes the module-style call surface. Unknown names fall
// back to program closures so a loaded function is directly callable by
// name. The boolean reports whether a callable was found.
func (vm *VM) GetFunction(name string) (vmtypes.PackedFunc, bool) {
	switch name {
	case "vm_initialization":
		return vm.fnInit, true
	case "save_function":
		return vm.fnSaveFunction, true
	case "invoke_closure":
		return vm.fnInvokeClosure, true
	case "invoke_stateful":
		return vm.fnInvokeStateful, true
	case "set_instrument":
		return vm.fnSetInstrument, true
	case "get_output":
		return vm.fnGetOutput, true
	case "get_output_arity":
		return vm.fnGetOutputArity, true
	case "set_input":
		return vm.fnSetInput, true
	case "set_input_with_param_module":
		return vm.fnSetInputWithParamModule, true
	case "get_function_arity":
		return vm.fnGetFunctionArity, true
	case "get_function_param_name":
		return vm.fnGetFunctionParamName, true
	case "segment_runner.get_skeleton":
		return vm.fnSegmentGetSkeleton, true
	case "segment_runner.load":
		return vm.fnSegmentLoad, true
	case "segment_runner.set_input":
		return vm.fnSegmentSetInput, true
	case "segment_runner.run":
		return vm.fnSegmentRun, true
	case "segment_runner.get_output":
		return vm.fnSegmentGetOutput, true
	}
	// Default: look up a program or saved closure by name.
	clo, err := vm.getClosureInternal(name, true)
	if err != nil || clo == nil {
		return nil, false
	}
	impl := func(args []vmtypes.Value) (vmtypes.Value, error) {
		return vm.InvokeClosurePacked(vmtypes.ObjectValue(clo), args)
	}
	return impl, true
}

func (vm *VM) fnInit(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args)%3 != 0 {
		return vmtypes.NilValue(), fmt.Errorf("%w: vm_initialization expects (device_type, device_id, allocator_type) triples", vmerrors.ErrInvalidArgumentCount)
	}
	var devices []vmtypes.Device
	var allocTypes []memory.AllocatorType
	for i := 0; i < len(args); i += 3 {
		devices = append(devices, vmtypes.Device{
			Type: vmtypes.DeviceType(args[i].Int()),
			ID:   int(args[i+1].Int()),
		})
		allocTypes = append(allocTypes, memory.AllocatorType(args[i+2].Int()))
	}
	if err := vm.Init(devices, allocTypes); err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnSaveFunction(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 3 {
		return vmtypes.NilValue(), fmt.Errorf("%w: save_function expects (func_name, save_name, include_return, args...)", vmerrors.ErrInvalidArgumentCount)
	}
	funcName := args[0].Str()
	saveName := args[1].Str()
	includeReturn := args[2].Bool()
	if err := vm.SaveClosure(funcName, saveName, includeReturn, args[3:]); err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnInvokeClosure(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: invoke_closure expects (closure, args...)", vmerrors.ErrInvalidArgumentCount)
	}
	return vm.InvokeClosurePacked(args[0], args[1:])
}

func (vm *VM) fnInvokeStateful(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) != 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: invoke_stateful expects (func_name)", vmerrors.ErrInvalidArgumentCount)
	}
	if err := vm.InvokeStateful(args[0].Str()); err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnSetInstrument(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: set_instrument expects a callable or a registry name", vmerrors.ErrInvalidArgumentCount)
	}
	if fn := args[0].Func(); fn != nil {
		vm.SetInstrument(fn)
		return vmtypes.NilValue(), nil
	}
	factoryName := args[0].Str()
	factory, ok := registry.Get(factoryName)
	if !ok {
		return vmtypes.NilValue(), fmt.Errorf("%w: cannot find factory %q", vmerrors.ErrUnknownFunction, factoryName)
	}
	rv, err := factory(args[1:])
	if err != nil {
		return vmtypes.NilValue(), err
	}
	fn := rv.Func()
	if fn == nil {
		return vmtypes.NilValue(), fmt.Errorf("%w: factory %q did not return a callable", vmerrors.ErrInvalidInstruction, factoryName)
	}
	vm.SetInstrument(fn)
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnGetOutput(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: get_output expects (func_name, indices...)", vmerrors.ErrInvalidArgumentCount)
	}
	out, err := vm.lookupVMOutput(args[0].Str())
	if err != nil {
		return vmtypes.NilValue(), err
	}
	obj, err := indexIntoNestedObject(out, args[1:])
	if err != nil {
		return vmtypes.NilValue(), err
	}
	if obj.Array() != nil {
		return vmtypes.NilValue(), fmt.Errorf("%w: get_output cannot return a tuple, specify another index argument", vmerrors.ErrNotAnArray)
	}
	return obj, nil
}

func (vm *VM) fnGetOutputArity(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: get_output_arity expects (func_name, indices...)", vmerrors.ErrInvalidArgumentCount)
	}
	out, err := vm.lookupVMOutput(args[0].Str())
	if err != nil {
		return vmtypes.NilValue(), err
	}
	obj, err := indexIntoNestedObject(out, args[1:])
	if err != nil {
		return vmtypes.NilValue(), err
	}
	if arr := obj.Array(); arr != nil {
		return vmtypes.IntValue(int64(len(arr))), nil
	}
	return vmtypes.IntValue(-1), nil
}

func (vm *VM) fnSetInput(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: set_input expects (func_name, args...)", vmerrors.ErrInvalidArgumentCount)
	}
	if err := vm.SetInput(args[0].Str(), false, args[1:]); err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnSetInputWithParamModule(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) < 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: set_input_with_param_module expects (func_name, args..., module)", vmerrors.ErrInvalidArgumentCount)
	}
	if err := vm.SetInput(args[0].Str(), true, args[1:]); err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.NilValue(), nil
}

func (vm *VM) fnGetFunctionArity(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) != 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: get_function_arity expects (func_name)", vmerrors.ErrInvalidArgumentCount)
	}
	info, err := vm.lookupVMFuncInfo(args[0].Str())
	if err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.IntValue(int64(len(info.ParamNames))), nil
}

func (vm *VM) fnGetFunctionParamName(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) != 2 {
		return vmtypes.NilValue(), fmt.Errorf("%w: get_function_param_name expects (func_name, index)", vmerrors.ErrInvalidArgumentCount)
	}
	info, err := vm.lookupVMFuncInfo(args[0].Str())
	if err != nil {
		return vmtypes.NilValue(), err
	}
	idx := args[1].Int()
	if idx < 0 || idx >= int64(len(info.ParamNames)) {
		return vmtypes.NilValue(), fmt.Errorf("%w: invalid index for %q (%d out of %d)", vmerrors.ErrIndexOutOfBounds, info.Name, idx, len(info.ParamNames))
	}
	return vmtypes.StringValue(info.ParamNames[idx]), nil
}

func (vm *VM) fnSegmentGetSkeleton(args []vmtypes.Value) (vmtypes.Value, error) {
	skeleton, err := vm.SegmentRunnerGetSkeleton()
	if err != nil {
		return vmtypes.NilValue(), err
	}
	return vmtypes.StringValue(skeleton), nil
}

func (vm *VM) fnSegmentLoad(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) != 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: segment_runner.load expects (text)", vmerrors.ErrInvalidArgumentCount)
	}
	return vmtypes.IntValue(int64(vm.SegmentRunnerLoad(args[0].Str()))), nil
}

func (vm *VM) fnSegmentSetInput(args []vmtypes.Value) (vmtypes.Value, error) {
	return vmtypes.IntValue(int64(vm.SegmentRunnerSetInput(args))), nil
}

func (vm *VM) fnSegmentRun(args []vmtypes.Value) (vmtypes.Value, error) {
	if len(args) != 1 {
		return vmtypes.NilValue(), fmt.Errorf("%w: segment_runner.run expects (segment_id)", vmerrors.ErrInvalidArgumentCount)
	}
	return vmtypes.IntValue(int64(vm.SegmentRunnerRun(int(args[0].Int())))), nil
}

func (vm *VM) fnSegmentGetOutput(args []vmtypes.Value) (vmtypes.Value, error) {
	return vm.SegmentRunnerGetOutputValue()
}
