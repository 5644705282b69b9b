package emulator

import (
	"fmt"

	"github.com/zboralski/efitaint/internal/taint"
	"golang.org/x/arch/x86/x86asm"
)

// Decode disassembles the instruction at addr into the operand form the taint
// engine classifies. Undecodable bytes come back as an OpOther instruction
// carrying a .byte listing.
func (e *Emulator) Decode(addr uint64, size uint32) taint.Instruction {
	code, err := e.mu.MemRead(addr, uint64(size))
	if err != nil {
		return taint.Instruction{Addr: addr, Size: size, Text: "??"}
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return taint.Instruction{Addr: addr, Size: size, Text: fmt.Sprintf(".byte % x", code)}
	}
	return convertInst(addr, size, inst)
}

// Disasm returns the Intel-syntax text of the instruction at addr.
func (e *Emulator) Disasm(addr uint64, size uint32) string {
	return e.Decode(addr, size).Text
}

func convertInst(addr uint64, size uint32, inst x86asm.Inst) taint.Instruction {
	out := taint.Instruction{
		Addr: addr,
		Size: size,
		Text: x86asm.IntelSyntax(inst, addr, nil),
	}

	switch inst.Op {
	case x86asm.SUB:
		out.Op = taint.OpSub
	case x86asm.ADD:
		out.Op = taint.OpAdd
	default:
		out.Op = taint.OpOther
	}

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, taint.Operand{Kind: taint.OperandReg, Reg: x86Regs[a]})
		case x86asm.Imm:
			out.Operands = append(out.Operands, taint.Operand{Kind: taint.OperandImm, Imm: int64(a)})
		case x86asm.Mem:
			out.Operands = append(out.Operands, taint.Operand{Kind: taint.OperandMem})
		default:
			out.Operands = append(out.Operands, taint.Operand{Kind: taint.OperandNone})
		}
	}
	return out
}

// x86Regs maps decoder registers to taint registers. Registers the engine
// never inspects map to RegNone.
var x86Regs = map[x86asm.Reg]taint.Register{
	x86asm.RAX: taint.RegRAX,
	x86asm.RBX: taint.RegRBX,
	x86asm.RCX: taint.RegRCX,
	x86asm.RDX: taint.RegRDX,
	x86asm.RSI: taint.RegRSI,
	x86asm.RDI: taint.RegRDI,
	x86asm.RBP: taint.RegRBP,
	x86asm.RSP: taint.RegRSP,
	x86asm.R8:  taint.RegR8,
	x86asm.R9:  taint.RegR9,
	x86asm.R10: taint.RegR10,
	x86asm.R11: taint.RegR11,
	x86asm.R12: taint.RegR12,
	x86asm.R13: taint.RegR13,
	x86asm.R14: taint.RegR14,
	x86asm.R15: taint.RegR15,
	x86asm.RIP: taint.RegRIP,
	x86asm.CL:  taint.RegCL,
	x86asm.DL:  taint.RegDL,
	x86asm.R8B: taint.RegR8B,
	x86asm.R9B: taint.RegR9B,
}
