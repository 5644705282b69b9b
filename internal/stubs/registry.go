// Package stubs provides a registry for self-registering firmware service
// stubs and the dispatch layer that binds their Microsoft x64 arguments.
//
// Each stub lives at its own address in the stub region as a single RET.
// An address hook on that RET binds parameters, runs entry handlers, runs
// the stub, sets RAX, then runs exit handlers.
package stubs

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/zboralski/efitaint/internal/emulator"
	glog "github.com/zboralski/efitaint/internal/log"
	"github.com/zboralski/efitaint/internal/nvram"
	"github.com/zboralski/efitaint/internal/taint"
	"go.uber.org/zap"
)

// HookFunc implements a firmware service. It returns the EFI_STATUS placed
// in RAX.
type HookFunc func(ctx *Context) uint64

// StubDef defines a stub with its service name and hook function.
type StubDef struct {
	Name     string    // Service name (e.g., "AllocatePool", "SmmAllocatePages")
	API      taint.API // Rule binding, APINone if no rule applies
	Params   []string  // Argument names in calling-convention order
	Hook     HookFunc
	Category string // For logging: "boot", "runtime", "smm", "protocol"
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // service name -> stub definition
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs[def.Name] = &def
}

// Lookup returns the stub registered under name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stubs))
	for name := range r.stubs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SMIHandler is a handler registered through an SMM dispatch protocol.
type SMIHandler struct {
	Kind     string // "sw", "sx", "root"
	Addr     uint64
	Context  uint64 // DispatchContext passed at registration
	Handle   uint64
	Register uint64 // call site of the registration
}

// Env is the state stubs operate on.
type Env struct {
	Emu       *emulator.Emulator
	Vars      *nvram.Store
	Log       *glog.Logger
	Protocols map[uuid.UUID]uint64 // installed protocol interfaces
	Handlers  []SMIHandler

	SystemTable uint64
	SMST        uint64
	ImageHandle uint64

	nextID uint64
}

// NewEnv creates an environment over emu. A nil vars gets an empty store.
func NewEnv(emu *emulator.Emulator, vars *nvram.Store, log *glog.Logger) *Env {
	if vars == nil {
		vars = nvram.New()
	}
	if log == nil {
		log = glog.NewNop()
	}
	return &Env{
		Emu:       emu,
		Vars:      vars,
		Log:       log.Named("stubs"),
		Protocols: make(map[uuid.UUID]uint64),
	}
}

// NewHandle returns a fresh opaque handle value.
func (env *Env) NewHandle() uint64 {
	env.nextID++
	return 0x48414e44_00000000 | env.nextID // "HAND"
}

// Context is passed to a stub for one call.
type Context struct {
	Emu  *emulator.Emulator
	Env  *Env
	Def  *StubDef
	Call *taint.Call
}

// Arg returns the bound parameter, or 0 if the stub has no such parameter.
func (c *Context) Arg(name string) uint64 {
	v, _ := c.Call.Param(name)
	return v
}

// Log reports stub activity at the call site.
func (c *Context) Log(detail string) {
	c.Env.Log.Trace(c.Call.Addr, c.Def.Category, c.Def.Name, detail)
}

// Table maps installed stubs to their addresses and carries the handlers
// registered against each API boundary. It implements taint.Interceptor.
type Table struct {
	env      *Env
	addrs    map[string]uint64
	byAddr   map[uint64]*StubDef
	apis     map[taint.API]bool
	handlers map[taint.API][2][]taint.CallHandler
}

// StatusErrorBit is set in every EFI_STATUS error code.
const StatusErrorBit = 1 << 63

// stubStride separates stub addresses. Slot 0 is the Call return sentinel.
const stubStride = 0x10

// Install places every registered stub in the stub region and hooks it.
func (r *Registry) Install(env *Env) (*Table, error) {
	t := &Table{
		env:      env,
		addrs:    make(map[string]uint64),
		byAddr:   make(map[uint64]*StubDef),
		apis:     make(map[taint.API]bool),
		handlers: make(map[taint.API][2][]taint.CallHandler),
	}

	addr := uint64(emulator.StubBase + stubStride)
	for _, name := range r.List() {
		def, _ := r.Lookup(name)
		if addr+stubStride > emulator.StubBase+emulator.StubSize {
			return nil, fmt.Errorf("stub region exhausted at %s", name)
		}
		// RET; the hook runs before it executes.
		if err := env.Emu.MemWrite(addr, []byte{0xc3}); err != nil {
			return nil, fmt.Errorf("write stub %s: %w", name, err)
		}
		env.Emu.HookAddress(addr, t.dispatch(def))
		t.addrs[name] = addr
		t.byAddr[addr] = def
		if def.API != taint.APINone {
			t.apis[def.API] = true
		}
		env.Log.StubInstall(def.Category, name, addr)
		addr += stubStride
	}
	return t, nil
}

// Addr returns the address of the named stub, or 0 if none is installed.
func (t *Table) Addr(name string) uint64 {
	return t.addrs[name]
}

// MustAddr is Addr for names known to be registered.
func (t *Table) MustAddr(name string) uint64 {
	addr, ok := t.addrs[name]
	if !ok {
		panic("stubs: no stub named " + name)
	}
	return addr
}

// Names returns the installed stub names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.addrs))
	for n := range t.addrs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// StubAt returns the stub installed at addr.
func (t *Table) StubAt(addr uint64) (*StubDef, bool) {
	def, ok := t.byAddr[addr]
	return def, ok
}

// Intercept implements taint.Interceptor.
func (t *Table) Intercept(api taint.API, b taint.Boundary, h taint.CallHandler) error {
	if !t.apis[api] {
		return fmt.Errorf("no stub exports %s", api)
	}
	hs := t.handlers[api]
	hs[b] = append(hs[b], h)
	t.handlers[api] = hs
	return nil
}

// bind reads def's parameters at stub entry.
func bind(emu *emulator.Emulator, def *StubDef) (*taint.Call, error) {
	c := &taint.Call{
		API:      def.API,
		Name:     def.Name,
		Addr:     emu.ReturnAddress(),
		Boundary: taint.Entry,
		Params:   make([]taint.Param, 0, len(def.Params)),
	}
	for i, name := range def.Params {
		v, err := emu.StackArg(i)
		if err != nil {
			return nil, &taint.InvariantError{
				Err:    taint.ErrMissingParam,
				Addr:   c.Addr,
				Detail: fmt.Sprintf("%s: read %s: %v", def.Name, name, err),
			}
		}
		c.Params = append(c.Params, taint.Param{Name: name, Value: v})
	}
	return c, nil
}

func (t *Table) run(c *taint.Call) error {
	for _, h := range t.handlers[c.API][c.Boundary] {
		if err := h(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) dispatch(def *StubDef) emulator.AddressHookFunc {
	return func(emu *emulator.Emulator) bool {
		c, err := bind(emu, def)
		if err != nil {
			emu.Fault(err)
			return true
		}

		// A failing entry handler means the call never happens.
		if err := t.run(c); err != nil {
			t.env.Log.Debug("entry handler aborted call", glog.Fn(def.Name), zap.Error(err))
			emu.Fault(err)
			return true
		}

		status := def.Hook(&Context{Emu: emu, Env: t.env, Def: def, Call: c})
		if err := emu.SetRAX(status); err != nil {
			emu.Fault(fmt.Errorf("%s: set status: %w", def.Name, err))
			return true
		}

		// Failed calls leave their outputs unwritten; exit rules do not apply.
		if status&StatusErrorBit != 0 {
			t.env.Log.Trace(c.Addr, def.Category, def.Name, fmt.Sprintf("-> status 0x%x", status))
			return false
		}

		c.Boundary = taint.Exit
		if err := t.run(c); err != nil {
			emu.Fault(err)
			return true
		}
		return false
	}
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// Install hooks all stubs in the default registry.
func Install(env *Env) (*Table, error) {
	return DefaultRegistry.Install(env)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
