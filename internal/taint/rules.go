package taint

import (
	"fmt"

	glog "github.com/zboralski/efitaint/internal/log"
	"go.uber.org/zap"
)

// RuleFunc updates taint state for one intercepted call.
type RuleFunc func(e *Engine, c *Call) error

// Rule binds a propagation handler to one firmware API boundary.
type Rule struct {
	API      API
	Boundary Boundary
	Doc      string
	Fn       RuleFunc
}

// ruleTable is resolved once; Enable registers every entry with the host.
var ruleTable = []Rule{
	{APISetMem, Exit, "destination inherits the taint of the fill byte", propagateSetMem},
	{APICopyMem, Exit, "taint copied byte by byte from source to destination", propagateCopyMem},
	{APIAllocatePool, Exit, "fresh pool memory is tainted", propagateAllocatePool},
	{APISmmAllocatePool, Exit, "fresh SMRAM pool memory is tainted", propagateAllocatePool},
	{APIGetVariable, Exit, "data read back from NVRAM is clean", propagateGetVariable},
	{APISetVariable, Entry, "tainted data written to NVRAM is a leak", checkSetVariable},
	{APISmmAllocatePages, Exit, "warn on uninitialized page count", checkSmmAllocatePages},
}

// Rules returns a copy of the static rule table.
func Rules() []Rule {
	return append([]Rule(nil), ruleTable...)
}

// params fetches several named parameters, failing on the first missing one.
func params(c *Call, names ...string) ([]uint64, error) {
	out := make([]uint64, len(names))
	for i, n := range names {
		v, err := c.Param(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SetMem(Buffer, Size, Value): Value is a UINT8 passed in r8b.
func propagateSetMem(e *Engine, c *Call) error {
	p, err := params(c, "Buffer", "Size")
	if err != nil {
		return err
	}
	tainted := e.oracle.IsRegisterTainted(RegR8B)
	e.set(c, p[0], p[1], tainted)
	return nil
}

func propagateCopyMem(e *Engine, c *Call) error {
	p, err := params(c, "Source", "Destination", "Length")
	if err != nil {
		return err
	}
	src, dst, n := p[0], p[1], p[2]
	e.store.Copy(src, dst, n)
	e.trace(c, fmt.Sprintf("copy %s -> %s", Range{src, n}, Range{dst, n}))
	return nil
}

// AllocatePool(PoolType, Size, Buffer): Buffer is VOID**, the allocation is *Buffer.
func propagateAllocatePool(e *Engine, c *Call) error {
	p, err := params(c, "Size", "Buffer")
	if err != nil {
		return err
	}
	addr, err := e.mem.ReadPointer(p[1])
	if err != nil {
		return &InvariantError{Err: err, Addr: c.Addr, Detail: fmt.Sprintf("%s: read *Buffer at 0x%x", c.label(), p[1])}
	}
	e.set(c, addr, p[0], true)
	return nil
}

// GetVariable(VariableName, VendorGuid, Attributes, DataSize, Data).
func propagateGetVariable(e *Engine, c *Call) error {
	p, err := params(c, "Data", "DataSize")
	if err != nil {
		return err
	}
	data, sizePtr := p[0], p[1]
	if data == 0 {
		// Size probe: nothing was written.
		return nil
	}
	n, err := e.mem.ReadPointer(sizePtr)
	if err != nil {
		return &InvariantError{Err: err, Addr: c.Addr, Detail: fmt.Sprintf("%s: read *DataSize at 0x%x", c.label(), sizePtr)}
	}
	e.set(c, data, n, false)
	return nil
}

// SetVariable(VariableName, VendorGuid, Attributes, DataSize, Data).
func checkSetVariable(e *Engine, c *Call) error {
	p, err := params(c, "Data", "DataSize")
	if err != nil {
		return err
	}
	data, n := p[0], p[1]
	if !e.store.IsRangeTainted(data, n) {
		return nil
	}
	return e.reporter.Report(c, data, n)
}

// SmmAllocatePages(Type, MemoryType, NumberOfPages, Memory): NumberOfPages is in r8.
// The allocated pages themselves are left untouched.
func checkSmmAllocatePages(e *Engine, c *Call) error {
	count, err := c.Param("NumberOfPages")
	if err != nil {
		return err
	}
	if !e.oracle.IsRegisterTainted(RegR8) {
		return nil
	}
	e.stats.Warnings++
	e.log.Warn("uninitialized value used as NumberOfPages",
		glog.API(c.label()),
		zap.String("value", glog.Hex(count)),
		glog.Addr(c.Addr),
	)
	e.trace(c, "uninitialized NumberOfPages="+glog.Hex(count))
	return nil
}
