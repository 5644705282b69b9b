package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var (
	setupOnce sync.Once
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
)

func firstLexer(names ...string) chroma.Lexer {
	for _, n := range names {
		if l := lexers.Get(n); l != nil {
			return l
		}
	}
	return nil
}

func setup() {
	lexer = firstLexer("nasm", "gas")
	style = disasmStyle
	if style == nil {
		style = styles.Fallback
	}
	formatter = formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Fallback
	}
}

// IsDisabled reports whether EFITAINT_NO_COLOR or NO_COLOR is set.
func IsDisabled() bool {
	return os.Getenv("EFITAINT_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func paint(c rgb, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", c.r, c.g, c.b, s)
}

// Instruction highlights an Intel-syntax instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	setupOnce.Do(setup)
	if lexer == nil {
		return insn
	}
	it, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address renders an emulated address as eight hex digits.
func Address(addr uint64) string {
	return paint(colAddress, fmt.Sprintf("%08X", addr))
}

func FuncName(name string) string { return paint(colAddress, name) }
func Detail(s string) string      { return paint(colMuted, s) }
func HexBytes(s string) string    { return paint(colMuted, s) }
func Comment(s string) string     { return paint(colMnemonic, s) }
func Border(s string) string      { return paint(colBorder, s) }
func Header(s string) string      { return paint(colHeader, s) }
func Error(s string) string       { return paint(colNumber, s) }

// Taint marks byte ranges that are still uninitialized.
func Taint(s string) string { return paint(colTaint, s) }

// Warn marks suspicious but non-fatal findings.
func Warn(s string) string { return paint(colWarn, s) }

// Leak marks tainted data reaching a sink.
func Leak(s string) string { return paint(colLeak, s) }
