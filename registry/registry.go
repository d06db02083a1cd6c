// Package registry holds the process-wide table of native functions. The
// table must be populated before vm_initialization; the VM's function pool
// resolves Native entries against executable imports first, then here.
package registry

import (
	"sync"

	"github.com/HayeonP/tvm-segment/vmtypes"
)

var (
	mu    sync.RWMutex
	funcs = make(map[string]vmtypes.PackedFunc)
)

// Register installs fn under name, replacing any previous entry.
func Register(name string, fn vmtypes.PackedFunc) {
	mu.Lock()
	defer mu.Unlock()
	funcs[name] = fn
}

// Get looks up a native function by name.
func Get(name string) (vmtypes.PackedFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Remove deletes a registration. Tests use this to scope kernels.
func Remove(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(funcs, name)
}

// Names returns the registered names, unordered.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(funcs))
	for name := range funcs {
		out = append(out, name)
	}
	return out
}
