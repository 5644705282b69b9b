// Package nvram holds the emulated UEFI variable store and its YAML
// persistence.
package nvram

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Variable attributes
const (
	AttrNonVolatile       = 0x00000001
	AttrBootserviceAccess = 0x00000002
	AttrRuntimeAccess     = 0x00000004
)

// Variable is one UEFI variable.
type Variable struct {
	Name       string    `yaml:"name"`
	GUID       uuid.UUID `yaml:"guid"`
	Attributes uint32    `yaml:"attributes"`
	Data       []byte    `yaml:"-"`
	DataHex    string    `yaml:"data"`
}

type key struct {
	name string
	guid uuid.UUID
}

// Store is an in-memory variable store. Variables are kept in insertion
// order so GetNextVariableName enumeration is stable.
type Store struct {
	mu    sync.RWMutex
	vars  map[key]*Variable
	order []key
}

type file struct {
	Variables []*Variable `yaml:"variables"`
}

// New creates an empty store.
func New() *Store {
	return &Store{vars: make(map[key]*Variable)}
}

// Load reads a store from a YAML file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML variable list.
func Parse(data []byte) (*Store, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse nvram: %w", err)
	}
	s := New()
	for _, v := range f.Variables {
		if v.Name == "" {
			return nil, fmt.Errorf("variable with empty name")
		}
		raw, err := hex.DecodeString(v.DataHex)
		if err != nil {
			return nil, fmt.Errorf("variable %s: bad data: %w", v.Name, err)
		}
		s.Set(v.Name, v.GUID, v.Attributes, raw)
	}
	return s, nil
}

// Marshal encodes the store as YAML.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f file
	for _, k := range s.order {
		v := *s.vars[k]
		v.DataHex = hex.EncodeToString(v.Data)
		f.Variables = append(f.Variables, &v)
	}
	return yaml.Marshal(&f)
}

// Save writes the store to path.
func (s *Store) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Get returns a copy of the variable.
func (s *Store) Get(name string, guid uuid.UUID) (Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key{name, guid}]
	if !ok {
		return Variable{}, false
	}
	out := *v
	out.Data = slices.Clone(v.Data)
	return out, true
}

// Set creates or replaces a variable. Empty data deletes it, matching
// SetVariable semantics.
func (s *Store) Set(name string, guid uuid.UUID, attrs uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{name, guid}
	if len(data) == 0 {
		s.delete(k)
		return
	}
	if v, ok := s.vars[k]; ok {
		v.Attributes = attrs
		v.Data = slices.Clone(data)
		return
	}
	s.vars[k] = &Variable{Name: name, GUID: guid, Attributes: attrs, Data: slices.Clone(data)}
	s.order = append(s.order, k)
}

// Delete removes a variable. Returns false if it did not exist.
func (s *Store) Delete(name string, guid uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(key{name, guid})
}

func (s *Store) delete(k key) bool {
	if _, ok := s.vars[k]; !ok {
		return false
	}
	delete(s.vars, k)
	s.order = slices.DeleteFunc(s.order, func(o key) bool { return o == k })
	return true
}

// Next returns the variable following (name, guid) in enumeration order.
// An empty name starts the enumeration.
func (s *Store) Next(name string, guid uuid.UUID) (Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := 0
	if name != "" {
		i = slices.Index(s.order, key{name, guid})
		if i < 0 {
			return Variable{}, false
		}
		i++
	}
	if i >= len(s.order) {
		return Variable{}, false
	}
	return *s.vars[s.order[i]], true
}

// Len returns the number of variables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}

// List returns all variables sorted by name then GUID.
func (s *Store) List() []Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Variable, 0, len(s.vars))
	for _, v := range s.vars {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b Variable) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.GUID.String(), b.GUID.String())
	})
	return out
}
