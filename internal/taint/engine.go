package taint

import (
	"errors"
	"fmt"

	set "github.com/hashicorp/go-set"
	glog "github.com/zboralski/efitaint/internal/log"
	"go.uber.org/zap"
)

// Memory reads emulated memory to dereference output parameters.
type Memory interface {
	ReadPointer(addr uint64) (uint64, error)
}

// Faulter aborts the emulated session. The host must not retire further
// instructions once Fault has been called.
type Faulter interface {
	Fault(err error)
}

// CallHandler runs at an intercepted API boundary.
type CallHandler func(c *Call) error

// Interceptor registers handlers against firmware API boundaries.
type Interceptor interface {
	Intercept(api API, b Boundary, h CallHandler) error
}

// RetireFunc is called after each instruction retires with the new stack pointer.
type RetireFunc func(inst Instruction, newSP uint64) error

// RetireObserver registers instruction-retired observers.
type RetireObserver interface {
	OnRetired(fn RetireFunc)
}

// Stats counts engine activity for the session summary.
type Stats struct {
	Instructions uint64
	StackFrames  uint64
	RuleHits     map[API]uint64
	Warnings     uint64
}

// Engine owns the taint state of one emulated session.
type Engine struct {
	store    *Store
	oracle   RegisterOracle
	mem      Memory
	faulter  Faulter
	log      *glog.Logger
	reporter *Reporter

	rules   map[API]Rule
	enabled *set.Set[API]

	halted bool
	err    error
	stats  Stats
}

// NewEngine creates an engine over store. A nil oracle reports every register clean.
func NewEngine(store *Store, oracle RegisterOracle, mem Memory, faulter Faulter, log *glog.Logger) *Engine {
	if oracle == nil {
		oracle = Clean
	}
	if log == nil {
		log = glog.NewNop()
	}
	e := &Engine{
		store:   store,
		oracle:  oracle,
		mem:     mem,
		faulter: faulter,
		log:     log.Named("taint"),
		rules:   make(map[API]Rule, len(ruleTable)),
		enabled: set.New[API](len(ruleTable)),
		stats:   Stats{RuleHits: make(map[API]uint64)},
	}
	e.reporter = NewReporter(store, e.log)
	for _, r := range ruleTable {
		e.rules[r.API] = r
		e.enabled.Insert(r.API)
	}
	return e
}

// Disable turns off the rule bound to api. Must be called before Enable.
func (e *Engine) Disable(api API) {
	e.enabled.Remove(api)
}

// Enable registers every enabled rule with ic and the stack auto-tainter with ro.
// ro may be nil to run without stack tainting.
func (e *Engine) Enable(ic Interceptor, ro RetireObserver) error {
	for _, r := range ruleTable {
		if !e.enabled.Contains(r.API) {
			continue
		}
		if err := ic.Intercept(r.API, r.Boundary, e.HandleCall); err != nil {
			return fmt.Errorf("intercept %s: %w", r.API, err)
		}
		e.log.Debug("rule enabled",
			glog.API(r.API.String()),
			zap.Stringer("at", r.Boundary),
		)
	}
	if ro != nil {
		ro.OnRetired(e.Retired)
	}
	return nil
}

// HandleCall runs the propagation rule bound to c's API and boundary.
// After a fault it does nothing and returns ErrHalted.
func (e *Engine) HandleCall(c *Call) error {
	if e.halted {
		return ErrHalted
	}
	r, ok := e.rules[c.API]
	if !ok || r.Boundary != c.Boundary || !e.enabled.Contains(c.API) {
		return nil
	}
	e.stats.RuleHits[c.API]++
	if err := r.Fn(e, c); err != nil {
		return e.fault(err)
	}
	return nil
}

// fault halts the engine and signals the host exactly once.
func (e *Engine) fault(err error) error {
	if e.halted {
		return err
	}
	e.halted = true
	e.err = err
	if !errors.Is(err, ErrLeak) {
		e.log.Error("taint invariant violated", zap.Error(err))
	}
	if e.faulter != nil {
		e.faulter.Fault(err)
	}
	return err
}

// Halted reports whether the session has faulted.
func (e *Engine) Halted() bool {
	return e.halted
}

// Err returns the error that halted the engine, if any.
func (e *Engine) Err() error {
	return e.err
}

// Store returns the shadow memory.
func (e *Engine) Store() *Store {
	return e.store
}

// Violations returns the leaks reported so far.
func (e *Engine) Violations() []*LeakError {
	return e.reporter.Violations()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.RuleHits = make(map[API]uint64, len(e.stats.RuleHits))
	for k, v := range e.stats.RuleHits {
		s.RuleHits[k] = v
	}
	return s
}

// set applies a store mutation on behalf of a rule and traces it.
func (e *Engine) set(c *Call, addr, n uint64, tainted bool) {
	e.store.Set(addr, n, tainted)
	verb := "clean "
	if tainted {
		verb = "taint "
	}
	e.trace(c, verb+Range{addr, n}.String())
}

func (e *Engine) trace(c *Call, detail string) {
	e.log.Trace(c.Addr, "taint", c.label(), detail)
}
