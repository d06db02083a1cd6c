package vm

import (
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Closure is a named callable. Impl takes the VM context handle as its
// first argument; the remaining arguments follow the normal call
// convention. The closure does not hold a reference to the VM: the context
// arrives at invocation time, which keeps the VM → function pool → closure
// chain acyclic.
type Closure struct {
	FuncName string
	Impl     vmtypes.PackedFunc
}

func NewClosure(funcName string, impl vmtypes.PackedFunc) *Closure {
	return &Closure{FuncName: funcName, Impl: impl}
}

// BindLastArgs creates a callable with lastArgs already bound to the end of
// the argument list: invoking the result with M arguments calls fn with
// M + len(lastArgs).
func BindLastArgs(fn vmtypes.PackedFunc, lastArgs []vmtypes.Value) vmtypes.PackedFunc {
	bound := append([]vmtypes.Value(nil), lastArgs...)
	return func(args []vmtypes.Value) (vmtypes.Value, error) {
		all := make([]vmtypes.Value, 0, len(args)+len(bound))
		all = append(all, args...)
		all = append(all, bound...)
		return fn(all)
	}
}

// dropReturn wraps fn so its return value is discarded. Used by
// save_function with include_return=false, where forwarding a complicated
// return value is unwanted.
func dropReturn(fn vmtypes.PackedFunc) vmtypes.PackedFunc {
	return func(args []vmtypes.Value) (vmtypes.Value, error) {
		if _, err := fn(args); err != nil {
			return vmtypes.NilValue(), err
		}
		return vmtypes.NilValue(), nil
	}
}
