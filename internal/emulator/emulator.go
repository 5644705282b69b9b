// Package emulator provides x86-64 firmware emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/efitaint/internal/taint"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for images
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	PoolBase  = 0x90000000
	PoolSize  = 0x10000000 // 256MB pool (AllocatePool)
	PageBase  = 0xA0000000
	PageSize  = 0x10000000 // 256MB page allocations (AllocatePages)
	TableBase = 0xDEAB0000 // System tables and protocol interfaces
	TableSize = 0x00010000 // 64KB
	StubBase  = 0xF0000000 // Stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// ReturnAddr is the sentinel return address used by Call. Execution stops
// when it is reached.
const ReturnAddr = StubBase

// EFIPageSize is the UEFI allocation page size.
const EFIPageSize = 0x1000

var (
	// ErrStopped is returned by Run when emulation was stopped by a hook or
	// ended before reaching its end address.
	ErrStopped = errors.New("emulation stopped")
	// ErrBudget is returned by Run when the instruction limit or the timeout
	// ran out before the end address was reached.
	ErrBudget = errors.New("emulation budget exhausted")
)

// CodeHookFunc is called for each instruction before it executes
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

type pendingInsn struct {
	addr uint64
	size uint32
}

// Emulator wraps Unicorn for x86-64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	poolPtr uint64 // Current pool allocation pointer
	pagePtr uint64 // Current page allocation pointer

	// Hooks
	codeHooks   []CodeHookFunc
	retireHooks []taint.RetireFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Instruction awaiting retirement (reported once the next one is fetched)
	pending *pendingInsn

	// Limits applied to every Run
	maxInsn uint64
	timeout time.Duration
	count   uint64

	// Stop flag and the fault that caused it, if any
	stopped  bool
	faultErr error
}

// New creates a new x86-64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		poolPtr:   PoolBase,
		pagePtr:   PageBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{PoolBase, PoolSize, "pool"},
		{PageBase, PageSize, "pages"},
		{TableBase, TableSize, "tables"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	// Initialize stack pointer, leaving a red zone at the top
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return fmt.Errorf("set RSP: %w", err)
	}

	// Sentinel: a HLT Call never executes because Run stops at it
	if err := e.mu.MemWrite(ReturnAddr, []byte{0xf4}); err != nil {
		return fmt.Errorf("write return sentinel: %w", err)
	}

	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		// Fetching this instruction means the previous one retired
		e.retirePending()
		if e.stopped {
			e.mu.Stop()
			return
		}
		e.count++

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}

		if !e.stopped && len(e.retireHooks) > 0 {
			e.pending = &pendingInsn{addr: addr, size: size}
		}
	}, 1, 0)

	return err
}

// retirePending reports the pending instruction to retire hooks with the
// current (post-execution) stack pointer.
func (e *Emulator) retirePending() {
	p := e.pending
	e.pending = nil
	if p == nil {
		return
	}
	inst := e.Decode(p.addr, p.size)
	sp := e.SP()
	for _, fn := range e.retireHooks {
		if err := fn(inst, sp); err != nil {
			// The observer already faulted through Fault; make sure we stop.
			e.Fault(err)
			return
		}
	}
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes raw code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// ReadPointer implements taint.Memory.
func (e *Emulator) ReadPointer(addr uint64) (uint64, error) {
	return e.MemReadU64(addr)
}

// RegRead reads a register value
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// Reg reads a register by its taint identifier. Unknown registers read as 0.
func (e *Emulator) Reg(r taint.Register) uint64 {
	id, ok := ucRegs[r]
	if !ok {
		return 0
	}
	val, _ := e.mu.RegRead(id)
	return val
}

// SetReg writes a register by its taint identifier.
func (e *Emulator) SetReg(r taint.Register, val uint64) error {
	id, ok := ucRegs[r]
	if !ok {
		return fmt.Errorf("invalid register %s", r)
	}
	return e.mu.RegWrite(id, val)
}

// RAX returns the return-value register
func (e *Emulator) RAX() uint64 {
	return e.Reg(taint.RegRAX)
}

// SetRAX sets the return-value register
func (e *Emulator) SetRAX(val uint64) error {
	return e.mu.RegWrite(uc.X86_REG_RAX, val)
}

// PC returns the instruction pointer
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.X86_REG_RIP)
	return pc
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.X86_REG_RSP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.X86_REG_RSP, val)
}

// Malloc allocates pool memory (bump allocator, 16-byte aligned).
// Returns 0 when the pool is exhausted.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ uint64(15)
	if size == 0 {
		size = 16
	}
	if e.poolPtr+size > PoolBase+PoolSize {
		return 0
	}
	addr := e.poolPtr
	e.poolPtr += size
	return addr
}

// AllocPages allocates n contiguous EFI pages. Returns 0 when exhausted.
func (e *Emulator) AllocPages(n uint64) uint64 {
	if n == 0 || n > PageSize/EFIPageSize {
		return 0
	}
	size := n * EFIPageSize
	if e.pagePtr+size > PageBase+PageSize {
		return 0
	}
	addr := e.pagePtr
	e.pagePtr += size
	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// OnRetired implements taint.RetireObserver. fn sees each instruction after
// it executed, together with the resulting stack pointer.
func (e *Emulator) OnRetired(fn taint.RetireFunc) {
	e.retireHooks = append(e.retireHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// SetLimits bounds every subsequent Run. Zero means unlimited.
func (e *Emulator) SetLimits(maxInsn uint64, timeout time.Duration) {
	e.maxInsn = maxInsn
	e.timeout = timeout
}

// Count returns the number of instructions fetched so far.
func (e *Emulator) Count() uint64 {
	return e.count
}

// Run starts emulation at start and stops when end is reached.
// A fault raised during the run is returned as the error.
func (e *Emulator) Run(start, end uint64) error {
	if e.faultErr != nil {
		return e.faultErr
	}
	e.stopped = false
	e.pending = nil

	opts := &uc.UcOptions{}
	if e.timeout > 0 {
		opts.Timeout = uint64(e.timeout / time.Microsecond)
	}
	if e.maxInsn > 0 {
		if e.count >= e.maxInsn {
			return fmt.Errorf("%w: instruction limit %d", ErrBudget, e.maxInsn)
		}
		opts.Count = e.maxInsn - e.count
	}

	err := e.mu.StartWithOptions(start, end, opts)
	if e.faultErr != nil {
		return e.faultErr
	}
	if err != nil {
		return err
	}
	if e.stopped {
		return ErrStopped
	}
	if pc := e.PC(); pc != end {
		// Unicorn returns success when Count or Timeout runs out. The pending
		// instruction was fetched but may not have executed.
		e.pending = nil
		switch {
		case e.maxInsn > 0 && e.count >= e.maxInsn:
			return fmt.Errorf("%w: instruction limit %d at 0x%x", ErrBudget, e.maxInsn, pc)
		case e.timeout > 0:
			return fmt.Errorf("%w: timeout %s at 0x%x", ErrBudget, e.timeout, pc)
		}
		return fmt.Errorf("%w at 0x%x before 0x%x", ErrStopped, pc, end)
	}
	// Reached end: the last fetched instruction retired.
	e.retirePending()
	return e.faultErr
}

// Call runs the function at addr with Microsoft x64 arguments and returns RAX.
// The stack pointer is restored afterwards.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	saved := e.SP()

	regs := []taint.Register{taint.RegRCX, taint.RegRDX, taint.RegR8, taint.RegR9}
	for i, a := range args {
		if i < len(regs) {
			if err := e.SetReg(regs[i], a); err != nil {
				return 0, err
			}
		}
	}

	// Return address + 32 bytes shadow space + stack arguments, with
	// rsp+8 16-byte aligned at entry.
	var extra []uint64
	if len(args) > len(regs) {
		extra = args[len(regs):]
	}
	frame := uint64(8 + 0x20 + 8*len(extra))
	sp := (saved - frame) &^ 0xf
	sp -= 8
	if err := e.MemWriteU64(sp, ReturnAddr); err != nil {
		return 0, fmt.Errorf("push return address: %w", err)
	}
	for i, a := range extra {
		if err := e.MemWriteU64(sp+8+0x20+uint64(i)*8, a); err != nil {
			return 0, fmt.Errorf("write stack argument %d: %w", i+len(regs), err)
		}
	}
	if err := e.SetSP(sp); err != nil {
		return 0, err
	}

	err := e.Run(addr, ReturnAddr)
	ret := e.RAX()
	if serr := e.SetSP(saved); serr != nil && err == nil {
		err = serr
	}
	return ret, err
}

// StackArg reads the n-th (0-based) Microsoft x64 argument at function entry.
// Arguments 0-3 are in registers; the rest are on the stack past the return
// address and shadow space.
func (e *Emulator) StackArg(n int) (uint64, error) {
	switch n {
	case 0:
		return e.Reg(taint.RegRCX), nil
	case 1:
		return e.Reg(taint.RegRDX), nil
	case 2:
		return e.Reg(taint.RegR8), nil
	case 3:
		return e.Reg(taint.RegR9), nil
	}
	return e.MemReadU64(e.SP() + 8 + 0x20 + uint64(n-4)*8)
}

// ReturnAddress reads the return address at function entry.
func (e *Emulator) ReturnAddress() uint64 {
	ret, _ := e.MemReadU64(e.SP())
	return ret
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Fault implements taint.Faulter: it records err and stops emulation. Only
// the first fault is kept; later Runs return it immediately.
func (e *Emulator) Fault(err error) {
	if e.faultErr == nil {
		e.faultErr = err
	}
	e.pending = nil
	e.Stop()
}

// Faulted returns the recorded fault, if any.
func (e *Emulator) Faulted() error {
	return e.faultErr
}

var ucRegs = map[taint.Register]int{
	taint.RegRAX: uc.X86_REG_RAX,
	taint.RegRBX: uc.X86_REG_RBX,
	taint.RegRCX: uc.X86_REG_RCX,
	taint.RegRDX: uc.X86_REG_RDX,
	taint.RegRSI: uc.X86_REG_RSI,
	taint.RegRDI: uc.X86_REG_RDI,
	taint.RegRBP: uc.X86_REG_RBP,
	taint.RegRSP: uc.X86_REG_RSP,
	taint.RegR8:  uc.X86_REG_R8,
	taint.RegR9:  uc.X86_REG_R9,
	taint.RegR10: uc.X86_REG_R10,
	taint.RegR11: uc.X86_REG_R11,
	taint.RegR12: uc.X86_REG_R12,
	taint.RegR13: uc.X86_REG_R13,
	taint.RegR14: uc.X86_REG_R14,
	taint.RegR15: uc.X86_REG_R15,
	taint.RegRIP: uc.X86_REG_RIP,
	taint.RegCL:  uc.X86_REG_CL,
	taint.RegDL:  uc.X86_REG_DL,
	taint.RegR8B: uc.X86_REG_R8B,
	taint.RegR9B: uc.X86_REG_R9B,
}
