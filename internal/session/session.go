// Package session wires an image, the firmware stubs and the taint engine
// into one analysis run.
package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/zboralski/efitaint/internal/config"
	"github.com/zboralski/efitaint/internal/emulator"
	glog "github.com/zboralski/efitaint/internal/log"
	"github.com/zboralski/efitaint/internal/nvram"
	"github.com/zboralski/efitaint/internal/stubs"
	"github.com/zboralski/efitaint/internal/stubs/efi"
	"github.com/zboralski/efitaint/internal/taint"
	"go.uber.org/zap"
)

// HandlerRun is the outcome of invoking one registered SMI handler.
type HandlerRun struct {
	Handler stubs.SMIHandler
	Status  uint64
	Err     error
}

// Result summarizes a session.
type Result struct {
	ID           string
	Image        *emulator.ImageInfo
	EntryStatus  uint64
	Handlers     []HandlerRun
	Violations   []*taint.LeakError
	Stats        taint.Stats
	Tainted      uint64 // bytes still tainted at the end
	Instructions uint64
	Err          error // fault or emulation error that ended the run
}

// Leaked reports whether any violation was found.
func (r *Result) Leaked() bool {
	return len(r.Violations) > 0
}

// Session owns the emulator and engine for one image.
type Session struct {
	ID string

	opts   config.Options
	log    *glog.Logger
	emu    *emulator.Emulator
	env    *stubs.Env
	table  *stubs.Table
	engine *taint.Engine
	oracle *taint.RegisterSet
	image  *emulator.ImageInfo
}

// New builds the emulated platform described by opts. The image is not
// loaded until Load.
func New(opts config.Options, log *glog.Logger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = glog.NewNop()
	}
	id := uuid.NewString()
	log = log.With(zap.String("session", id))

	vars := nvram.New()
	if opts.NVRAM != "" {
		v, err := nvram.Load(opts.NVRAM)
		if err != nil {
			return nil, err
		}
		vars = v
	}

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}
	emu.SetLimits(opts.MaxInstructions, opts.Timeout)

	s := &Session{ID: id, opts: opts, log: log, emu: emu}
	if err := s.setup(vars); err != nil {
		emu.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) setup(vars *nvram.Store) error {
	s.env = stubs.NewEnv(s.emu, vars, s.log)
	table, err := stubs.Install(s.env)
	if err != nil {
		return fmt.Errorf("install stubs: %w", err)
	}
	s.table = table
	if err := efi.Build(s.env, table); err != nil {
		return fmt.Errorf("build tables: %w", err)
	}

	regs, _ := s.opts.Registers()
	s.oracle = taint.NewRegisterSet(regs...)
	s.engine = taint.NewEngine(taint.NewStore(), s.oracle, s.emu, s.emu, s.log)

	disabled, _ := s.opts.Disabled()
	for _, api := range disabled {
		s.engine.Disable(api)
	}

	var ro taint.RetireObserver = s.emu
	if s.opts.NoStackTaint {
		ro = nil
	}
	if err := s.engine.Enable(table, ro); err != nil {
		return fmt.Errorf("enable taint rules: %w", err)
	}

	s.log.Debug("session ready",
		zap.Int("stubs", len(table.Names())),
		zap.Int("variables", vars.Len()),
		zap.Strings("tainted_registers", s.opts.TaintedRegisters),
	)
	return nil
}

// Load maps the configured image. PE32+ images are detected by their MZ
// header; anything else is loaded as a raw blob.
func (s *Session) Load() (*emulator.ImageInfo, error) {
	if s.opts.Image == "" {
		return nil, errors.New("no image configured")
	}
	data, err := os.ReadFile(s.opts.Image)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	var info *emulator.ImageInfo
	if emulator.IsPE(data) {
		info, err = s.emu.LoadPEBytes(data, s.opts.LoadBase)
	} else {
		info, err = s.emu.LoadRaw(s.opts.Image, s.opts.Entry)
	}
	if err != nil {
		return nil, err
	}
	info.Path = s.opts.Image
	s.image = info
	s.log.Info("image loaded",
		zap.String("path", info.Path),
		glog.Ptr("base", info.BaseAddr),
		glog.Ptr("entry", info.Entry),
	)
	return info, nil
}

// Run calls the entry point as (ImageHandle, SystemTable), then each SMI
// handler it registered. The first fault, or an exhausted instruction or time
// budget, ends the run and is reported in Result.Err.
func (s *Session) Run() (*Result, error) {
	if s.image == nil {
		if _, err := s.Load(); err != nil {
			return nil, err
		}
	}

	res := &Result{ID: s.ID, Image: s.image}
	status, err := s.emu.Call(s.image.Entry, s.env.ImageHandle, s.env.SystemTable)
	res.EntryStatus = status
	if err != nil {
		res.Err = err
	} else if s.opts.RunSMIHandlers {
		res.Handlers, res.Err = s.runHandlers()
	}

	// A faulted or truncated run never persists its variables.
	if s.opts.SaveNVRAM != "" && res.Err == nil {
		if err := s.env.Vars.Save(s.opts.SaveNVRAM); err != nil {
			return nil, fmt.Errorf("save nvram: %w", err)
		}
	}

	res.Violations = s.engine.Violations()
	res.Stats = s.engine.Stats()
	res.Tainted = s.engine.Store().Count()
	res.Instructions = s.emu.Count()

	if res.Err != nil && !errors.Is(res.Err, taint.ErrLeak) {
		s.log.Warn("run ended early", zap.Error(res.Err))
	}
	return res, nil
}

// commBufferSize covers EFI_SMM_SW_CONTEXT and small communicate payloads.
const commBufferSize = 0x100

func (s *Session) runHandlers() ([]HandlerRun, error) {
	var runs []HandlerRun
	// Handlers may register more handlers; the slice is re-read each round.
	for i := 0; i < len(s.env.Handlers); i++ {
		h := s.env.Handlers[i]

		// A zeroed, untracked buffer: its content is defined.
		buf := s.emu.Malloc(commBufferSize + 8)
		if buf == 0 {
			return runs, errors.New("pool exhausted for CommBuffer")
		}
		if err := s.emu.MemWrite(buf, make([]byte, commBufferSize+8)); err != nil {
			return runs, err
		}
		sizePtr := buf + commBufferSize
		if err := s.emu.MemWriteU64(sizePtr, commBufferSize); err != nil {
			return runs, err
		}

		s.log.Debug("invoking SMI handler",
			zap.String("kind", h.Kind),
			glog.Addr(h.Addr),
			glog.Ptr("context", h.Context),
		)
		status, err := s.emu.Call(h.Addr, h.Handle, h.Context, buf, sizePtr)
		runs = append(runs, HandlerRun{Handler: h, Status: status, Err: err})
		if err != nil {
			return runs, err
		}
	}
	return runs, nil
}

// Taint marks [addr, addr+n) uninitialized before Run.
func (s *Session) Taint(addr, n uint64) {
	s.engine.Store().Set(addr, n, true)
}

// Engine exposes the taint engine.
func (s *Session) Engine() *taint.Engine {
	return s.engine
}

// Emulator exposes the emulator, for tracing hooks.
func (s *Session) Emulator() *emulator.Emulator {
	return s.emu
}

// Env exposes the stub environment.
func (s *Session) Env() *stubs.Env {
	return s.env
}

// Table exposes the installed stubs.
func (s *Session) Table() *stubs.Table {
	return s.table
}

// Close releases the emulator.
func (s *Session) Close() error {
	return s.emu.Close()
}
