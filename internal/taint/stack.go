package taint

import "fmt"

// Op is the instruction class the stack auto-tainter cares about.
type Op int

const (
	OpOther Op = iota
	OpSub
	OpAdd
)

// OperandKind distinguishes register, immediate and memory operands.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

// Operand is a decoded instruction operand.
type Operand struct {
	Kind OperandKind
	Reg  Register // OperandReg
	Imm  int64    // OperandImm, sign-extended
}

// Instruction is the disassembler's view of a retired instruction.
type Instruction struct {
	Addr     uint64
	Size     uint32
	Op       Op
	Operands []Operand
	Text     string
}

func (i Instruction) writesSP() bool {
	return len(i.Operands) == 2 && i.Operands[0].Kind == OperandReg && i.Operands[0].Reg == RegRSP
}

// ClassifyStackDecrement recognizes frame allocation: "sub rsp, imm" with a
// positive immediate and "add rsp, -imm". It returns the number of bytes
// reserved. A SUB or ADD on rsp with a non-immediate source is an error.
func ClassifyStackDecrement(inst Instruction) (uint64, bool, error) {
	if (inst.Op != OpSub && inst.Op != OpAdd) || !inst.writesSP() {
		return 0, false, nil
	}
	src := inst.Operands[1]
	if src.Kind != OperandImm {
		return 0, false, &InvariantError{
			Err:    ErrNonImmediateStackAdjust,
			Addr:   inst.Addr,
			Detail: fmt.Sprintf("%q", inst.Text),
		}
	}
	switch {
	case inst.Op == OpSub && src.Imm > 0:
		return uint64(src.Imm), true, nil
	case inst.Op == OpAdd && src.Imm < 0:
		return uint64(-src.Imm), true, nil
	}
	return 0, false, nil
}

// Retired is the instruction-retired observer. newSP is the stack pointer
// after inst executed; a frame allocation taints [newSP, newSP+decrement),
// the bytes between the new and the old stack pointer.
func (e *Engine) Retired(inst Instruction, newSP uint64) error {
	if e.halted {
		return ErrHalted
	}
	e.stats.Instructions++
	dec, ok, err := ClassifyStackDecrement(inst)
	if err != nil {
		return e.fault(err)
	}
	if !ok {
		return nil
	}
	e.stats.StackFrames++
	e.store.Set(newSP, dec, true)
	e.log.Trace(inst.Addr, "stack", inst.Text, "taint "+Range{newSP, dec}.String())
	return nil
}
