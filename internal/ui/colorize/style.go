// Package colorize provides syntax highlighting for x86-64 disassembly and
// taint trace output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// rgb is a 24-bit terminal color.
type rgb struct{ r, g, b uint8 }

func (c rgb) hex() string {
	const digits = "0123456789ABCDEF"
	out := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i, v := range []uint8{c.r, c.g, c.b} {
		out[1+2*i] = digits[v>>4]
		out[2+2*i] = digits[v&0xf]
	}
	return string(out)
}

// Palette. Taint-related colors run from amber (suspect) to red (leak).
var (
	colAddress  = rgb{255, 200, 0}
	colMnemonic = rgb{255, 255, 255}
	colRegister = rgb{135, 206, 235}
	colNumber   = rgb{255, 128, 192}
	colMuted    = rgb{180, 180, 180}
	colBorder   = rgb{80, 80, 80}
	colHeader   = rgb{86, 156, 214}
	colTaint    = rgb{255, 128, 0}
	colWarn     = rgb{255, 191, 0}
	colLeak     = rgb{255, 80, 80}
)

const styleName = "efitaint-dark"

// disasmStyle highlights NASM-lexed Intel syntax.
var disasmStyle = styles.Register(chroma.MustNewStyle(styleName, chroma.StyleEntries{
	chroma.Background: "bg:#000000",
	chroma.Text:       colMnemonic.hex(),
	chroma.Comment:    colTaint.hex(),

	chroma.Keyword:       colMnemonic.hex(),
	chroma.KeywordPseudo: colMnemonic.hex(),
	chroma.NameFunction:  colMnemonic.hex(),
	chroma.Name:          colRegister.hex(),
	chroma.NameBuiltin:   colRegister.hex(),
	chroma.NameVariable:  colRegister.hex(),
	chroma.NameLabel:     colAddress.hex(),

	chroma.LiteralNumber:        colNumber.hex(),
	chroma.LiteralNumberHex:     colNumber.hex(),
	chroma.LiteralNumberInteger: colNumber.hex(),

	// size keywords: qword, dword, ptr
	chroma.KeywordType: colMuted.hex(),
	chroma.Operator:    colMnemonic.hex(),
	chroma.Punctuation: colMnemonic.hex(),
}))
