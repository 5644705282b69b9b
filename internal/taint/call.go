package taint

import (
	"fmt"
	"strings"
)

// API identifies a firmware API boundary that carries a propagation rule.
type API int

const (
	APINone API = iota
	APISetMem
	APICopyMem
	APIAllocatePool
	APISmmAllocatePool
	APIGetVariable
	APISetVariable
	APISmmAllocatePages
)

var apiNames = [...]string{
	APINone:             "",
	APISetMem:           "SetMem",
	APICopyMem:          "CopyMem",
	APIAllocatePool:     "AllocatePool",
	APISmmAllocatePool:  "SmmAllocatePool",
	APIGetVariable:      "GetVariable",
	APISetVariable:      "SetVariable",
	APISmmAllocatePages: "SmmAllocatePages",
}

func (a API) String() string {
	if a > APINone && int(a) < len(apiNames) {
		return apiNames[a]
	}
	return fmt.Sprintf("api(%d)", int(a))
}

// ParseAPI resolves an API by its firmware service name.
func ParseAPI(name string) (API, error) {
	for i, n := range apiNames {
		if n != "" && n == name {
			return API(i), nil
		}
	}
	return APINone, fmt.Errorf("unknown API %q", name)
}

// Boundary selects whether a handler runs before or after the emulated call.
type Boundary int

const (
	Entry Boundary = iota
	Exit
)

func (b Boundary) String() string {
	if b == Entry {
		return "entry"
	}
	return "exit"
}

// Param is one bound call argument.
type Param struct {
	Name  string
	Value uint64
}

// Call is the context of one intercepted firmware API invocation. It is built
// by the dispatch layer right before the handlers run and dropped afterwards.
type Call struct {
	API      API
	Name     string // service name as dispatched
	Addr     uint64 // call site (return address)
	Boundary Boundary
	Params   []Param
}

// Param returns the value bound to name.
// A missing parameter is an invariant violation, never a silent zero.
func (c *Call) Param(name string) (uint64, error) {
	for _, p := range c.Params {
		if p.Name == name {
			return p.Value, nil
		}
	}
	return 0, &InvariantError{
		Err:    ErrMissingParam,
		Addr:   c.Addr,
		Detail: fmt.Sprintf("%s has no parameter %q", c.label(), name),
	}
}

func (c *Call) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.API.String()
}

// String renders the call as Name(P1=0x.., P2=0x..).
func (c *Call) String() string {
	var b strings.Builder
	b.WriteString(c.label())
	b.WriteByte('(')
	for i, p := range c.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=0x%x", p.Name, p.Value)
	}
	b.WriteByte(')')
	return b.String()
}
