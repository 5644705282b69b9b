package taint

import (
	"fmt"
	"strings"

	set "github.com/hashicorp/go-set"
)

// Register identifies an x86-64 register as seen by the register taint engine.
type Register int

const (
	RegNone Register = iota
	RegRAX
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP

	// Low byte forms used for UINT8 arguments.
	RegCL
	RegDL
	RegR8B
	RegR9B
)

var registerNames = map[Register]string{
	RegRAX: "rax", RegRBX: "rbx", RegRCX: "rcx", RegRDX: "rdx",
	RegRSI: "rsi", RegRDI: "rdi", RegRBP: "rbp", RegRSP: "rsp",
	RegR8: "r8", RegR9: "r9", RegR10: "r10", RegR11: "r11",
	RegR12: "r12", RegR13: "r13", RegR14: "r14", RegR15: "r15",
	RegRIP: "rip",
	RegCL:  "cl", RegDL: "dl", RegR8B: "r8b", RegR9B: "r9b",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

// ParseRegister resolves a register by its lower-case name.
func ParseRegister(name string) (Register, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r, n := range registerNames {
		if n == name {
			return r, nil
		}
	}
	return RegNone, fmt.Errorf("unknown register %q", name)
}

// RegisterOracle reports whether a register currently holds a value derived
// from uninitialized data. It is owned by the register-level taint engine;
// this package only queries it.
type RegisterOracle interface {
	IsRegisterTainted(reg Register) bool
}

// OracleFunc adapts a function to RegisterOracle.
type OracleFunc func(reg Register) bool

// IsRegisterTainted implements RegisterOracle.
func (f OracleFunc) IsRegisterTainted(reg Register) bool {
	return f(reg)
}

// RegisterSet is a RegisterOracle backed by an explicit set of tainted registers.
// It stands in for a symbolic engine when the host only knows which argument
// registers start out uninitialized.
type RegisterSet struct {
	regs *set.Set[Register]
}

// NewRegisterSet creates an oracle reporting regs as tainted.
func NewRegisterSet(regs ...Register) *RegisterSet {
	return &RegisterSet{regs: set.From(regs)}
}

// Taint marks reg as tainted.
func (s *RegisterSet) Taint(reg Register) {
	s.regs.Insert(reg)
}

// Clear marks reg as clean.
func (s *RegisterSet) Clear(reg Register) {
	s.regs.Remove(reg)
}

// IsRegisterTainted implements RegisterOracle.
// A low-byte form is tainted when its full register is.
func (s *RegisterSet) IsRegisterTainted(reg Register) bool {
	if s.regs.Contains(reg) {
		return true
	}
	if full, ok := lowByteOf[reg]; ok {
		return s.regs.Contains(full)
	}
	return false
}

var lowByteOf = map[Register]Register{
	RegCL:  RegRCX,
	RegDL:  RegRDX,
	RegR8B: RegR8,
	RegR9B: RegR9,
}

// Clean is an oracle that never reports a tainted register.
var Clean RegisterOracle = OracleFunc(func(Register) bool { return false })
