package exec

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/vmtypes"
	"golang.org/x/exp/slices"
)

// FuncKind classifies an entry of the function table.
type FuncKind int

const (
	// NativeFunc resolves to a precompiled kernel looked up by name.
	NativeFunc FuncKind = 0
	// BytecodeFunc is interpreted by the dispatch loop.
	BytecodeFunc FuncKind = 1
	// HybridFunc runs a generated dispatch routine against a flat
	// register array; the routine is the import "__vmtir__" + name.
	HybridFunc FuncKind = 2
)

func (k FuncKind) String() string {
	switch k {
	case NativeFunc:
		return "native"
	case BytecodeFunc:
		return "bytecode"
	case HybridFunc:
		return "hybrid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HybridPrefix is prepended to a hybrid function's name to find its
// companion dispatch routine in the imports.
const HybridPrefix = "__vmtir__"

// VMFuncInfo describes one function of the executable.
type VMFuncInfo struct {
	Name             string
	Kind             FuncKind
	NumArgs          int
	RegisterFileSize int64
	StartInstr       int64
	ParamNames       []string
}

// Executable is the read-only view over a compiled tensor program: the
// function table, the constant pool, imported kernel libraries and the
// instruction stream.
type Executable struct {
	funcTable []VMFuncInfo
	funcMap   map[string]int64
	constants []vmtypes.Value
	imports   []vmtypes.Module
	instrs    []Instruction
}

// FindFunc returns the index for name.
func (e *Executable) FindFunc(name string) (int64, bool) {
	idx, ok := e.funcMap[name]
	return idx, ok
}

// NumFuncs returns the size of the function table.
func (e *Executable) NumFuncs() int64 { return int64(len(e.funcTable)) }

// FuncAt returns the function record at index.
func (e *Executable) FuncAt(index int64) (VMFuncInfo, error) {
	if index < 0 || index >= int64(len(e.funcTable)) {
		return VMFuncInfo{}, fmt.Errorf("function index %d out of range [0,%d)", index, len(e.funcTable))
	}
	return e.funcTable[index], nil
}

// FuncNames returns all function names in sorted order.
func (e *Executable) FuncNames() []string {
	names := make([]string, 0, len(e.funcTable))
	for _, f := range e.funcTable {
		names = append(names, f.Name)
	}
	slices.Sort(names)
	return names
}

// NumInstructions returns the length of the instruction stream.
func (e *Executable) NumInstructions() int64 { return int64(len(e.instrs)) }

// GetInstruction decodes the instruction at pc.
func (e *Executable) GetInstruction(pc int64) (Instruction, error) {
	if pc < 0 || pc >= int64(len(e.instrs)) {
		return Instruction{}, fmt.Errorf("pc %d out of range [0,%d)", pc, len(e.instrs))
	}
	return e.instrs[pc], nil
}

// NumConstants returns the size of the constant pool.
func (e *Executable) NumConstants() int64 { return int64(len(e.constants)) }

// ConstantAt returns the constant at index i.
func (e *Executable) ConstantAt(i int64) (vmtypes.Value, error) {
	if i < 0 || i >= int64(len(e.constants)) {
		return vmtypes.NilValue(), fmt.Errorf("constant index %d out of range [0,%d)", i, len(e.constants))
	}
	return e.constants[i], nil
}

// Imports returns the attached kernel libraries.
func (e *Executable) Imports() []vmtypes.Module { return e.imports }
