package params

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Module adapts a Store to the module contract used by
// set_input_with_param_module: get_params returns the parameter pack as an
// array of tensors in the declared order.
type Module struct {
	store *Store
	names []string
}

// NewModule binds names from the store. With no names, every stored
// parameter is exposed in key order.
func NewModule(store *Store, names ...string) (*Module, error) {
	if len(names) == 0 {
		all, err := store.Names()
		if err != nil {
			return nil, err
		}
		names = all
	}
	return &Module{store: store, names: names}, nil
}

// GetFunction implements vmtypes.Module.
func (m *Module) GetFunction(name string) (vmtypes.PackedFunc, bool) {
	if name != "get_params" {
		return nil, false
	}
	return m.getParams, true
}

func (m *Module) getParams(args []vmtypes.Value) (vmtypes.Value, error) {
	out := make([]vmtypes.Value, 0, len(m.names))
	for _, name := range m.names {
		arr, ok, err := m.store.Get(name)
		if err != nil {
			return vmtypes.NilValue(), err
		}
		if !ok {
			return vmtypes.NilValue(), fmt.Errorf("param %q not found", name)
		}
		out = append(out, vmtypes.NDArrayValue(arr))
	}
	return vmtypes.ArrayValue(out), nil
}
