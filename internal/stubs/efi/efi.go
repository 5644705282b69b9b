// Package efi provides stub implementations of UEFI boot, runtime and SMM
// services and the system tables that point at them.
package efi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zboralski/efitaint/internal/emulator"
	"github.com/zboralski/efitaint/internal/stubs"
	"golang.org/x/text/encoding/unicode"
)

// EFI_STATUS codes
const (
	Success          uint64 = 0
	InvalidParameter uint64 = stubs.StatusErrorBit | 2
	Unsupported      uint64 = stubs.StatusErrorBit | 3
	BufferTooSmall   uint64 = stubs.StatusErrorBit | 5
	OutOfResources   uint64 = stubs.StatusErrorBit | 9
	NotFound         uint64 = stubs.StatusErrorBit | 14
)

// Protocol GUIDs
var (
	SmmBase2Guid        = uuid.MustParse("f4ccbfb7-f6e0-47fd-9dd4-10a8f150c191")
	SmmSwDispatch2Guid  = uuid.MustParse("18a3c6dc-5eea-48c8-a1c1-b53389f98999")
	SmmSxDispatch2Guid  = uuid.MustParse("456d2859-a84b-4e47-a2ee-3276d886997d")
	FirmwareVolume2Guid = uuid.MustParse("220e73b6-6bdb-4413-8405-b974b108619a")
)

// maxNameChars bounds UTF-16 reads of variable names.
const maxNameChars = 1024

// GUIDBytes encodes g in EFI_GUID layout: the first three fields little
// endian, the last eight bytes as is.
func GUIDBytes(g uuid.UUID) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], binary.BigEndian.Uint32(g[0:]))
	binary.LittleEndian.PutUint16(b[4:], binary.BigEndian.Uint16(g[4:]))
	binary.LittleEndian.PutUint16(b[6:], binary.BigEndian.Uint16(g[6:]))
	copy(b[8:], g[8:])
	return b
}

// ParseGUIDBytes decodes a 16-byte EFI_GUID.
func ParseGUIDBytes(b []byte) (uuid.UUID, error) {
	var g uuid.UUID
	if len(b) != 16 {
		return g, fmt.Errorf("EFI_GUID must be 16 bytes, got %d", len(b))
	}
	binary.BigEndian.PutUint32(g[0:], binary.LittleEndian.Uint32(b[0:]))
	binary.BigEndian.PutUint16(g[4:], binary.LittleEndian.Uint16(b[4:]))
	binary.BigEndian.PutUint16(g[6:], binary.LittleEndian.Uint16(b[6:]))
	copy(g[8:], b[8:])
	return g, nil
}

// ReadGUID reads an EFI_GUID from emulated memory.
func ReadGUID(emu *emulator.Emulator, addr uint64) (uuid.UUID, error) {
	b, err := emu.MemRead(addr, 16)
	if err != nil {
		return uuid.Nil, err
	}
	return ParseGUIDBytes(b)
}

// WriteGUID writes g to emulated memory in EFI_GUID layout.
func WriteGUID(emu *emulator.Emulator, addr uint64, g uuid.UUID) error {
	return emu.MemWrite(addr, GUIDBytes(g))
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ReadString16 reads a NUL-terminated CHAR16 string.
func ReadString16(emu *emulator.Emulator, addr uint64) (string, error) {
	var raw []byte
	for i := 0; i < maxNameChars; i++ {
		c, err := emu.MemRead(addr+uint64(i)*2, 2)
		if err != nil {
			return "", err
		}
		if c[0] == 0 && c[1] == 0 {
			return decode16(raw)
		}
		raw = append(raw, c...)
	}
	return "", fmt.Errorf("string at 0x%x exceeds %d characters", addr, maxNameChars)
}

func decode16(raw []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeString16 returns s as NUL-terminated CHAR16 bytes.
func EncodeString16(s string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return append(b, 0, 0), nil
}

// writeBool writes a one-byte BOOLEAN.
func writeBool(emu *emulator.Emulator, addr uint64, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return emu.MemWriteU8(addr, b)
}
