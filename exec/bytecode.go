package exec

import (
	"fmt"

	"github.com/HayeonP/tvm-segment/vmtypes"
)

// Opcode of a VM instruction.
type Opcode int

const (
	OpCall Opcode = 1
	OpRet  Opcode = 2
	OpGoto Opcode = 3
	OpIf   Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpCall:
		return "call"
	case OpRet:
		return "ret"
	case OpGoto:
		return "goto"
	case OpIf:
		return "if"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ArgKind tags one operand of a Call instruction.
type ArgKind int

const (
	ArgKindRegister  ArgKind = 0
	ArgKindImmediate ArgKind = 1
	ArgKindConstIdx  ArgKind = 2
	ArgKindFuncIdx   ArgKind = 3
)

func (k ArgKind) String() string {
	switch k {
	case ArgKindRegister:
		return "register"
	case ArgKindImmediate:
		return "immediate"
	case ArgKindConstIdx:
		return "const"
	case ArgKindFuncIdx:
		return "func"
	default:
		return fmt.Sprintf("argkind(%d)", int(k))
	}
}

// Arg is a Call operand: a kind and a payload packed into the low 56 bits.
type Arg struct {
	data int64
}

const argValueBits = 56
const argValueMask = (int64(1) << argValueBits) - 1

func newArg(kind ArgKind, value int64) Arg {
	return Arg{data: int64(kind)<<argValueBits | (value & argValueMask)}
}

// ArgRegister references a register of the current frame.
func ArgRegister(reg vmtypes.RegName) Arg { return newArg(ArgKindRegister, reg) }

// ArgImmediate carries a literal integer.
func ArgImmediate(v int64) Arg { return newArg(ArgKindImmediate, v) }

// ArgConstIdx indexes the constant pool.
func ArgConstIdx(i int64) Arg { return newArg(ArgKindConstIdx, i) }

// ArgFuncIdx references an entry of the function pool.
func ArgFuncIdx(i int64) Arg { return newArg(ArgKindFuncIdx, i) }

func (a Arg) Kind() ArgKind { return ArgKind(a.data >> argValueBits) }

// Value returns the payload, sign-extended from 56 bits so negative
// immediates survive the packing.
func (a Arg) Value() int64 {
	return a.data << (64 - argValueBits) >> (64 - argValueBits)
}

// Instruction is one fixed-width bytecode record. Field usage depends on Op:
//
//	Call: Dst, FuncIdx, Args
//	Ret:  Result
//	Goto: PcOffset
//	If:   Cond, FalseOffset
type Instruction struct {
	Op Opcode

	Dst     vmtypes.RegName
	FuncIdx int64
	Args    []Arg

	Result vmtypes.RegName

	PcOffset int64

	Cond        vmtypes.RegName
	FalseOffset int64
}

func (in Instruction) String() string {
	switch in.Op {
	case OpCall:
		return fmt.Sprintf("call dst=r%d func=%d nargs=%d", in.Dst, in.FuncIdx, len(in.Args))
	case OpRet:
		return fmt.Sprintf("ret r%d", in.Result)
	case OpGoto:
		return fmt.Sprintf("goto %+d", in.PcOffset)
	case OpIf:
		return fmt.Sprintf("if r%d else %+d", in.Cond, in.FalseOffset)
	default:
		return in.Op.String()
	}
}
