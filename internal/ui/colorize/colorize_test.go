package colorize

import (
	"strings"
	"testing"
)

func TestDisabledIsPlain(t *testing.T) {
	t.Setenv("EFITAINT_NO_COLOR", "1")
	if got := Instruction("sub rsp, 0x28"); got != "sub rsp, 0x28" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Address(0x10000); got != "00010000" {
		t.Errorf("Address = %q", got)
	}
	if got := Leak("leak"); got != "leak" {
		t.Errorf("Leak = %q", got)
	}
}

func TestEnabledAddsEscapes(t *testing.T) {
	t.Setenv("EFITAINT_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")
	if got := Taint("[0x1000, 0x1010)"); !strings.Contains(got, "\033[") {
		t.Errorf("Taint = %q, want ANSI escape", got)
	}
	if got := Instruction("sub rsp, 0x28"); !strings.Contains(got, "rsp") {
		t.Errorf("Instruction lost text: %q", got)
	}
}

func TestRGBHex(t *testing.T) {
	if got := colTaint.hex(); got != "#FF8000" {
		t.Errorf("hex = %q", got)
	}
	if got := (rgb{0x0a, 0, 0xff}).hex(); got != "#0A00FF" {
		t.Errorf("hex = %q", got)
	}
}
