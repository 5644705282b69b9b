// Package config loads efitaint session options from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/zboralski/efitaint/internal/taint"
	"gopkg.in/yaml.v3"
)

// Options configures one analysis session. Zero values fall back to Default.
type Options struct {
	// Path of the PE32+ image or raw blob to analyze.
	Image string `yaml:"image"`
	// Entry point offset for raw blobs. Ignored for PE images.
	Entry uint64 `yaml:"entry"`
	// Load address. Zero places the image at the start of the code region.
	LoadBase uint64 `yaml:"load_base"`
	// Instruction budget across the whole session. Zero is unlimited.
	MaxInstructions uint64 `yaml:"max_instructions"`
	// Wall clock budget per emulated call.
	Timeout time.Duration `yaml:"timeout"`
	// Registers whose values are considered uninitialized.
	TaintedRegisters []string `yaml:"tainted_registers"`
	// Rules to turn off, by API name.
	DisabledRules []string `yaml:"disabled_rules"`
	// Variable store to seed from.
	NVRAM string `yaml:"nvram"`
	// Where to write the variable store after the run.
	SaveNVRAM string `yaml:"save_nvram"`
	// Invoke SMI handlers registered during the entry point.
	RunSMIHandlers bool `yaml:"run_smi_handlers"`
	// Disable the stack auto-tainter.
	NoStackTaint bool `yaml:"no_stack_taint"`
}

// Default returns the built-in options.
func Default() Options {
	return Options{
		MaxInstructions: 10_000_000,
		Timeout:         30 * time.Second,
		RunSMIHandlers:  true,
	}
}

// Load reads options from path on top of Default.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML options on top of Default and validates them.
func Parse(data []byte) (Options, error) {
	opts := Default()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks register and rule names.
func (o Options) Validate() error {
	if _, err := o.Registers(); err != nil {
		return err
	}
	if _, err := o.Disabled(); err != nil {
		return err
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// Registers resolves TaintedRegisters.
func (o Options) Registers() ([]taint.Register, error) {
	out := make([]taint.Register, 0, len(o.TaintedRegisters))
	for _, name := range o.TaintedRegisters {
		r, err := taint.ParseRegister(name)
		if err != nil {
			return nil, fmt.Errorf("tainted_registers: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Disabled resolves DisabledRules.
func (o Options) Disabled() ([]taint.API, error) {
	out := make([]taint.API, 0, len(o.DisabledRules))
	for _, name := range o.DisabledRules {
		api, err := taint.ParseAPI(name)
		if err != nil {
			return nil, fmt.Errorf("disabled_rules: %w", err)
		}
		out = append(out, api)
	}
	return out, nil
}
