package exec

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Builder assembles an Executable in memory. The on-disk container format is
// produced elsewhere; tests and drivers construct programs directly.
type Builder struct {
	funcTable []VMFuncInfo
	funcMap   map[string]int64
	constants []vmtypes.Value
	imports   []vmtypes.Module
	instrs    []Instruction
}

func NewBuilder() *Builder {
	return &Builder{funcMap: make(map[string]int64)}
}

// DeclareNative registers a native kernel slot; the callable is resolved at
// Init from imports or the function registry.
func (b *Builder) DeclareNative(name string) int64 {
	idx := int64(len(b.funcTable))
	b.funcTable = append(b.funcTable, VMFuncInfo{Name: name, Kind: NativeFunc})
	b.funcMap[name] = idx
	return idx
}

// BeginFunc opens a bytecode function; subsequent Emit* calls append its
// body. The start pc is the current end of the instruction stream.
func (b *Builder) BeginFunc(name string, regFileSize int64, paramNames ...string) int64 {
	idx := int64(len(b.funcTable))
	b.funcTable = append(b.funcTable, VMFuncInfo{
		Name:             name,
		Kind:             BytecodeFunc,
		NumArgs:          len(paramNames),
		RegisterFileSize: regFileSize,
		StartInstr:       int64(len(b.instrs)),
		ParamNames:       append([]string(nil), paramNames...),
	})
	b.funcMap[name] = idx
	return idx
}

// DeclareHybrid registers a hybrid-dispatch function; its companion routine
// must be importable as HybridPrefix + name.
func (b *Builder) DeclareHybrid(name string, regFileSize int64, numArgs int) int64 {
	idx := int64(len(b.funcTable))
	b.funcTable = append(b.funcTable, VMFuncInfo{
		Name:             name,
		Kind:             HybridFunc,
		NumArgs:          numArgs,
		RegisterFileSize: regFileSize,
	})
	b.funcMap[name] = idx
	return idx
}

// AddConstant appends v to the constant pool and returns its index.
func (b *Builder) AddConstant(v vmtypes.Value) int64 {
	b.constants = append(b.constants, v)
	return int64(len(b.constants) - 1)
}

// AddImport attaches a kernel library.
func (b *Builder) AddImport(m vmtypes.Module) {
	b.imports = append(b.imports, m)
}

// PC returns the pc the next emitted instruction will occupy.
func (b *Builder) PC() int64 { return int64(len(b.instrs)) }

func (b *Builder) EmitCall(dst vmtypes.RegName, funcIdx int64, args ...Arg) int64 {
	pc := b.PC()
	b.instrs = append(b.instrs, Instruction{Op: OpCall, Dst: dst, FuncIdx: funcIdx, Args: append([]Arg(nil), args...)})
	return pc
}

func (b *Builder) EmitRet(src vmtypes.RegName) int64 {
	pc := b.PC()
	b.instrs = append(b.instrs, Instruction{Op: OpRet, Result: src})
	return pc
}

func (b *Builder) EmitGoto(offset int64) int64 {
	pc := b.PC()
	b.instrs = append(b.instrs, Instruction{Op: OpGoto, PcOffset: offset})
	return pc
}

func (b *Builder) EmitIf(cond vmtypes.RegName, falseOffset int64) int64 {
	pc := b.PC()
	b.instrs = append(b.instrs, Instruction{Op: OpIf, Cond: cond, FalseOffset: falseOffset})
	return pc
}

// Build finalizes the executable. Every Call's function index must be in
// range and every If offset must be > 1.
func (b *Builder) Build() (*Executable, error) {
	for pc, in := range b.instrs {
		switch in.Op {
		case OpCall:
			if in.FuncIdx < 0 || in.FuncIdx >= int64(len(b.funcTable)) {
				return nil, fmt.Errorf("pc %d: call func index %d out of range [0,%d)", pc, in.FuncIdx, len(b.funcTable))
			}
		case OpIf:
			if in.FalseOffset <= 1 {
				return nil, fmt.Errorf("pc %d: if false offset %d must be > 1", pc, in.FalseOffset)
			}
		case OpRet, OpGoto:
		default:
			return nil, fmt.Errorf("pc %d: invalid opcode %d", pc, int(in.Op))
		}
	}
	return &Executable{
		funcTable: b.funcTable,
		funcMap:   b.funcMap,
		constants: b.constants,
		imports:   b.imports,
		instrs:    b.instrs,
	}, nil
}
