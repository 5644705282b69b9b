package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zboralski/efitaint/internal/config"
	"github.com/zboralski/efitaint/internal/emulator"
	"github.com/zboralski/efitaint/internal/nvram"
	"github.com/zboralski/efitaint/internal/stubs"
	"github.com/zboralski/efitaint/internal/stubs/efi"
	"github.com/zboralski/efitaint/internal/taint"
)

var testGUID = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
}

// leakyEntry stores an 8-byte stack buffer that nothing initialized.
//
//	sub rsp, 0x48
//	mov rax, [rdx+0x58]        ; gRT
//	lea r10, [rsp+0x30]
//	mov [rsp+0x20], r10        ; Data
//	lea rcx, [rip+name]
//	lea rdx, [rip+guid]
//	mov r8d, 7
//	mov r9d, 8
//	call [rax+0x58]            ; SetVariable
//	add rsp, 0x48
//	ret
func leakyEntry() []byte {
	code := []byte{
		0x48, 0x83, 0xEC, 0x48,
		0x48, 0x8B, 0x42, 0x58,
		0x4C, 0x8D, 0x54, 0x24, 0x30,
		0x4C, 0x89, 0x54, 0x24, 0x20,
		0x48, 0x8D, 0x0D, 0x1F, 0x00, 0x00, 0x00, // name at 56
		0x48, 0x8D, 0x15, 0x20, 0x00, 0x00, 0x00, // guid at 64
		0x41, 0xB8, 0x07, 0x00, 0x00, 0x00,
		0x41, 0xB9, 0x08, 0x00, 0x00, 0x00,
		0xFF, 0x50, 0x58,
		0x48, 0x83, 0xC4, 0x48,
		0xC3,
		0x90, 0x90, 0x90, 0x90,
		'A', 0x00, 0x00, 0x00, // 56
		0x90, 0x90, 0x90, 0x90,
	}
	return append(code, testGUID...) // 64
}

// cleanEntry fills the buffer through gBS->SetMem before storing it.
//
//	sub rsp, 0x48
//	mov [rsp+0x40], rdx
//	mov rax, [rdx+0x60]        ; gBS
//	lea rcx, [rsp+0x30]
//	mov edx, 8
//	mov r8b, 0x5a
//	call [rax+0x168]           ; SetMem
//	mov rdx, [rsp+0x40]
//	mov rax, [rdx+0x58]        ; gRT
//	... SetVariable as in leakyEntry
func cleanEntry() []byte {
	code := []byte{
		0x48, 0x83, 0xEC, 0x48,
		0x48, 0x89, 0x54, 0x24, 0x40,
		0x48, 0x8B, 0x42, 0x60,
		0x48, 0x8D, 0x4C, 0x24, 0x30,
		0xBA, 0x08, 0x00, 0x00, 0x00,
		0x41, 0xB0, 0x5A,
		0xFF, 0x90, 0x68, 0x01, 0x00, 0x00,
		0x48, 0x8B, 0x54, 0x24, 0x40,
		0x48, 0x8B, 0x42, 0x58,
		0x4C, 0x8D, 0x54, 0x24, 0x30,
		0x4C, 0x89, 0x54, 0x24, 0x20,
		0x48, 0x8D, 0x0D, 0x1E, 0x00, 0x00, 0x00, // name at 88
		0x48, 0x8D, 0x15, 0x1F, 0x00, 0x00, 0x00, // guid at 96
		0x41, 0xB8, 0x07, 0x00, 0x00, 0x00,
		0x41, 0xB9, 0x08, 0x00, 0x00, 0x00,
		0xFF, 0x50, 0x58,
		0x48, 0x83, 0xC4, 0x48,
		0xC3,
		0x90, 0x90, 0x90,
		'A', 0x00, 0x00, 0x00, // 88
		0x90, 0x90, 0x90, 0x90,
	}
	return append(code, testGUID...) // 96
}

func writeImage(t *testing.T, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newSession(t *testing.T, opts config.Options) *Session {
	t.Helper()
	s, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunReportsStackLeak(t *testing.T) {
	opts := config.Default()
	opts.Image = writeImage(t, leakyEntry())
	s := newSession(t, opts)

	res, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Err, taint.ErrLeak) {
		t.Fatalf("res.Err = %v, want leak", res.Err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations", len(res.Violations))
	}
	v := res.Violations[0]
	if v.Call.API != taint.APISetVariable || v.Buffer.Len != 8 {
		t.Errorf("violation = %+v", v)
	}
	if res.Stats.StackFrames == 0 {
		t.Error("no stack frame was tainted")
	}
	guid, _ := efi.ParseGUIDBytes(testGUID)
	if _, ok := s.Env().Vars.Get("A", guid); ok {
		t.Error("tainted variable was committed")
	}
}

func TestRunCleanBufferCommits(t *testing.T) {
	opts := config.Default()
	opts.Image = writeImage(t, cleanEntry())
	opts.SaveNVRAM = filepath.Join(t.TempDir(), "vars.yaml")
	s := newSession(t, opts)

	res, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Err != nil || res.Leaked() {
		t.Fatalf("unexpected failure: err=%v violations=%v", res.Err, res.Violations)
	}
	if res.EntryStatus != efi.Success {
		t.Errorf("entry status = 0x%x", res.EntryStatus)
	}
	if res.Stats.RuleHits[taint.APISetMem] != 1 || res.Stats.RuleHits[taint.APISetVariable] != 1 {
		t.Errorf("rule hits = %v", res.Stats.RuleHits)
	}

	saved, err := nvram.Load(opts.SaveNVRAM)
	if err != nil {
		t.Fatalf("load saved store: %v", err)
	}
	guid, _ := efi.ParseGUIDBytes(testGUID)
	v, ok := saved.Get("A", guid)
	if !ok {
		t.Fatal("variable not saved")
	}
	if diff := cmp.Diff(bytes.Repeat([]byte{0x5a}, 8), v.Data); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}

func TestNoStackTaint(t *testing.T) {
	opts := config.Default()
	opts.Image = writeImage(t, leakyEntry())
	opts.NoStackTaint = true
	s := newSession(t, opts)

	res, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Leaked() || res.Stats.StackFrames != 0 {
		t.Errorf("stack tainting ran: violations=%d frames=%d", len(res.Violations), res.Stats.StackFrames)
	}
}

func TestDisabledRule(t *testing.T) {
	opts := config.Default()
	opts.Image = writeImage(t, leakyEntry())
	opts.DisabledRules = []string{"SetVariable"}
	s := newSession(t, opts)

	res, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Leaked() {
		t.Error("disabled rule still reported")
	}
	if res.Tainted == 0 {
		t.Error("stack taint should remain in the store")
	}
}

func TestRunInvokesHandlers(t *testing.T) {
	// entry: xor eax, eax; ret
	// handler: mov rax, rdx; ret
	code := []byte{0x31, 0xC0, 0xC3, 0x48, 0x89, 0xD0, 0xC3}
	opts := config.Default()
	opts.Image = writeImage(t, code)
	s := newSession(t, opts)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.Env().Handlers = append(s.Env().Handlers, stubs.SMIHandler{
		Kind:    "sw",
		Addr:    emulator.CodeBase + 3,
		Context: 0x1234,
		Handle:  s.Env().NewHandle(),
	})

	res, err := s.Run()
	if err != nil || res.Err != nil {
		t.Fatalf("Run: %v / %v", err, res.Err)
	}
	if len(res.Handlers) != 1 || res.Handlers[0].Status != 0x1234 {
		t.Errorf("handlers = %+v", res.Handlers)
	}
}

func TestSkipHandlers(t *testing.T) {
	code := []byte{0x31, 0xC0, 0xC3, 0x48, 0x89, 0xD0, 0xC3}
	opts := config.Default()
	opts.Image = writeImage(t, code)
	opts.RunSMIHandlers = false
	s := newSession(t, opts)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.Env().Handlers = append(s.Env().Handlers, stubs.SMIHandler{Kind: "sw", Addr: emulator.CodeBase + 3})

	res, err := s.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Handlers) != 0 {
		t.Errorf("handlers ran: %+v", res.Handlers)
	}
}

func TestNewRejectsBadRegister(t *testing.T) {
	opts := config.Default()
	opts.TaintedRegisters = []string{"xmm0"}
	if _, err := New(opts, nil); err == nil {
		t.Error("expected error for unknown register")
	}
}

func TestBudgetEndsRun(t *testing.T) {
	// entry: jmp $
	// handler: xor eax, eax; ret
	code := []byte{0xEB, 0xFE, 0x31, 0xC0, 0xC3}
	opts := config.Default()
	opts.Image = writeImage(t, code)
	opts.MaxInstructions = 1000
	opts.SaveNVRAM = filepath.Join(t.TempDir(), "vars.yaml")
	s := newSession(t, opts)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.Env().Handlers = append(s.Env().Handlers, stubs.SMIHandler{Kind: "root", Addr: emulator.CodeBase + 2})

	res, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Err, emulator.ErrBudget) {
		t.Fatalf("res.Err = %v, want ErrBudget", res.Err)
	}
	if len(res.Handlers) != 0 {
		t.Errorf("handlers ran after a truncated entry point: %+v", res.Handlers)
	}
	if _, err := os.Stat(opts.SaveNVRAM); !os.IsNotExist(err) {
		t.Errorf("variable store saved after a truncated run: %v", err)
	}
}
