package taint

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeMemory is a little-endian word map standing in for emulated memory.
type fakeMemory map[uint64]uint64

func (m fakeMemory) ReadPointer(addr uint64) (uint64, error) {
	v, ok := m[addr]
	if !ok {
		return 0, fmt.Errorf("unmapped read at 0x%x", addr)
	}
	return v, nil
}

type fakeFaulter struct {
	faults []error
}

func (f *fakeFaulter) Fault(err error) {
	f.faults = append(f.faults, err)
}

// fakeHost records interceptions and the retire observer.
type fakeHost struct {
	handlers map[API]map[Boundary]CallHandler
	retire   RetireFunc
}

func (h *fakeHost) Intercept(api API, b Boundary, fn CallHandler) error {
	if h.handlers == nil {
		h.handlers = make(map[API]map[Boundary]CallHandler)
	}
	if h.handlers[api] == nil {
		h.handlers[api] = make(map[Boundary]CallHandler)
	}
	h.handlers[api][b] = fn
	return nil
}

func (h *fakeHost) OnRetired(fn RetireFunc) {
	h.retire = fn
}

func newTestEngine(oracle RegisterOracle, mem fakeMemory) (*Engine, *fakeFaulter) {
	f := &fakeFaulter{}
	return NewEngine(NewStore(), oracle, mem, f, nil), f
}

func call(api API, b Boundary, kv ...any) *Call {
	c := &Call{API: api, Boundary: b, Addr: 0x401000}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Params = append(c.Params, Param{Name: kv[i].(string), Value: uint64(kv[i+1].(int))})
	}
	return c
}

func TestEnableRegistersRuleTable(t *testing.T) {
	e, _ := newTestEngine(nil, nil)
	host := &fakeHost{}
	if err := e.Enable(host, host); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	for _, r := range Rules() {
		if host.handlers[r.API][r.Boundary] == nil {
			t.Errorf("%s not intercepted at %s", r.API, r.Boundary)
		}
	}
	if host.handlers[APISetVariable][Entry] == nil {
		t.Error("SetVariable sink check must run before the variable is committed")
	}
	if host.retire == nil {
		t.Error("stack auto-tainter not registered")
	}
}

func TestDisableRule(t *testing.T) {
	e, _ := newTestEngine(nil, nil)
	e.Disable(APICopyMem)
	host := &fakeHost{}
	if err := e.Enable(host, nil); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, ok := host.handlers[APICopyMem]; ok {
		t.Error("disabled rule was intercepted")
	}
	if host.retire != nil {
		t.Error("nil observer should skip stack tainting")
	}
}

func TestSetMemInheritsFillTaint(t *testing.T) {
	oracle := NewRegisterSet(RegR8)
	e, _ := newTestEngine(oracle, nil)

	if err := e.HandleCall(call(APISetMem, Exit, "Buffer", 100, "Size", 8, "Value", 0)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if !e.Store().IsRangeTainted(100, 8) {
		t.Error("tainted fill byte should taint the buffer")
	}

	oracle.Clear(RegR8)
	if err := e.HandleCall(call(APISetMem, Exit, "Buffer", 100, "Size", 8, "Value", 0)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if e.Store().IsRangeTainted(100, 8) {
		t.Error("clean fill byte should clean the buffer")
	}
}

func TestSetMemIgnoresEntryBoundary(t *testing.T) {
	e, _ := newTestEngine(NewRegisterSet(RegR8B), nil)
	if err := e.HandleCall(call(APISetMem, Entry, "Buffer", 100, "Size", 8)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if e.Store().Count() != 0 {
		t.Error("SetMem rule ran at entry")
	}
}

func TestCopyMemPropagates(t *testing.T) {
	e, _ := newTestEngine(nil, nil)
	e.Store().Set(0x1000, 4, true)

	if err := e.HandleCall(call(APICopyMem, Exit, "Destination", 0x2000, "Source", 0x1000, "Length", 16)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if diff := cmp.Diff([]Range{{0x1000, 4}, {0x2000, 4}}, e.Store().Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocatePoolTaintsAllocation(t *testing.T) {
	for _, api := range []API{APIAllocatePool, APISmmAllocatePool} {
		mem := fakeMemory{0x7f00: 0x2000}
		e, _ := newTestEngine(nil, mem)

		c := call(api, Exit, "PoolType", 6, "Size", 16, "Buffer", 0x7f00)
		if err := e.HandleCall(c); err != nil {
			t.Fatalf("%s: HandleCall: %v", api, err)
		}
		if !e.Store().IsRangeTainted(0x2000, 16) {
			t.Errorf("%s: allocation not tainted", api)
		}
		if e.Store().IsRangeTainted(0x7f00, 8) {
			t.Errorf("%s: output pointer slot should not be tainted", api)
		}
	}
}

func TestAllocatePoolUnreadableBufferFaults(t *testing.T) {
	e, f := newTestEngine(nil, fakeMemory{})
	err := e.HandleCall(call(APIAllocatePool, Exit, "Size", 16, "Buffer", 0x7f00))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
	if len(f.faults) != 1 || !e.Halted() {
		t.Error("unreadable output pointer should abort the session")
	}
}

func TestGetVariable(t *testing.T) {
	mem := fakeMemory{0x6000: 12}
	e, _ := newTestEngine(nil, mem)
	e.Store().Set(0x3000, 32, true)

	// Size probe: Data is NULL.
	if err := e.HandleCall(call(APIGetVariable, Exit, "Data", 0, "DataSize", 0x6000)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if e.Store().Count() != 32 {
		t.Fatalf("size probe mutated taint state: %d bytes tainted", e.Store().Count())
	}

	if err := e.HandleCall(call(APIGetVariable, Exit, "Data", 0x3000, "DataSize", 0x6000)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if diff := cmp.Diff([]Range{{0x3000 + 12, 20}}, e.Store().Ranges()); diff != "" {
		t.Errorf("only *DataSize bytes should be cleaned (-want +got):\n%s", diff)
	}
}

func TestSetVariableLeak(t *testing.T) {
	e, f := newTestEngine(nil, nil)
	e.Store().Set(0x5004, 2, true)

	c := call(APISetVariable, Entry,
		"VariableName", 0x100, "VendorGuid", 0x200, "Attributes", 7, "DataSize", 16, "Data", 0x5000)
	err := e.HandleCall(c)
	if !errors.Is(err, ErrLeak) {
		t.Fatalf("expected leak, got %v", err)
	}

	var leak *LeakError
	if !errors.As(err, &leak) {
		t.Fatalf("expected *LeakError, got %T", err)
	}
	if diff := cmp.Diff([]Range{{0x5004, 2}}, leak.Tainted); diff != "" {
		t.Errorf("tainted sub-ranges (-want +got):\n%s", diff)
	}
	if leak.Buffer != (Range{0x5000, 16}) {
		t.Errorf("buffer = %v", leak.Buffer)
	}

	if len(f.faults) != 1 {
		t.Fatalf("expected exactly one fault, got %d", len(f.faults))
	}
	if !e.Halted() {
		t.Fatal("engine should be halted after a leak")
	}

	// Nothing runs after the fault.
	if err := e.HandleCall(call(APISetMem, Exit, "Buffer", 0x9000, "Size", 4)); !errors.Is(err, ErrHalted) {
		t.Errorf("HandleCall after fault = %v, want ErrHalted", err)
	}
	if err := e.HandleCall(c); !errors.Is(err, ErrHalted) {
		t.Errorf("second SetVariable = %v, want ErrHalted", err)
	}
	if err := e.Retired(Instruction{Op: OpSub, Operands: []Operand{{Kind: OperandReg, Reg: RegRSP}, {Kind: OperandImm, Imm: 0x20}}}, 0x7000); !errors.Is(err, ErrHalted) {
		t.Errorf("Retired after fault = %v, want ErrHalted", err)
	}
	if len(f.faults) != 1 || len(e.Violations()) != 1 {
		t.Errorf("faults=%d violations=%d, want 1 and 1", len(f.faults), len(e.Violations()))
	}
	if e.Store().IsRangeTainted(0x9000, 4) || e.Store().IsRangeTainted(0x7000, 0x20) {
		t.Error("taint state changed after fault")
	}
}

func TestSetVariableClean(t *testing.T) {
	e, f := newTestEngine(nil, nil)
	e.Store().Set(0x5000, 16, true)

	c := call(APISetVariable, Entry, "DataSize", 16, "Data", 0x5010)
	if err := e.HandleCall(c); err != nil {
		t.Fatalf("clean buffer reported: %v", err)
	}
	if len(f.faults) != 0 || e.Halted() {
		t.Error("clean SetVariable must not fault")
	}
}

func TestMissingParamFaults(t *testing.T) {
	e, f := newTestEngine(nil, nil)
	err := e.HandleCall(call(APICopyMem, Exit, "Source", 0x1000, "Length", 4))
	if !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}
	if len(f.faults) != 1 {
		t.Error("missing parameter must abort the session")
	}
}

func TestSmmAllocatePagesMissingCountFaults(t *testing.T) {
	e, f := newTestEngine(NewRegisterSet(), fakeMemory{0x8000: 0xa0000000})
	err := e.HandleCall(call(APISmmAllocatePages, Exit, "Type", 0, "MemoryType", 6, "Memory", 0x8000))
	if !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam with a clean r8, got %v", err)
	}
	if len(f.faults) != 1 {
		t.Error("missing NumberOfPages must abort the session")
	}
}

func TestSmmAllocatePagesWarnsOnly(t *testing.T) {
	e, f := newTestEngine(NewRegisterSet(RegR8), fakeMemory{0x8000: 0xa0000000})
	c := call(APISmmAllocatePages, Exit, "Type", 0, "MemoryType", 6, "NumberOfPages", 4, "Memory", 0x8000)
	if err := e.HandleCall(c); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if e.Stats().Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", e.Stats().Warnings)
	}
	if e.Store().Count() != 0 {
		t.Error("allocated pages must not be tainted")
	}
	if len(f.faults) != 0 {
		t.Error("uninitialized page count is not fatal")
	}
}
