package emulator

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
)

// PE base relocation types
const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10
)

// ImageInfo contains parsed image metadata
type ImageInfo struct {
	Path     string
	Entry    uint64
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
	Sections []Section
	Relocs   int // Number of base relocations applied
}

// Section represents a loaded PE section
type Section struct {
	Name  string
	VAddr uint64
	Size  uint64 // Virtual size
}

// LoadPE loads a PE32+ (x86-64) image into the code region.
// If loadBase is 0 the image is placed at CodeBase. The image is rebased
// through its .reloc directory when loadBase differs from its ImageBase.
func (e *Emulator) LoadPE(path string, loadBase uint64) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	info, err := e.LoadPEBytes(data, loadBase)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

// LoadPEBytes is LoadPE for an in-memory image.
func (e *Emulator) LoadPEBytes(data []byte, loadBase uint64) (*ImageInfo, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open PE: %w", err)
	}
	defer f.Close()

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("expected x86-64 (IMAGE_FILE_MACHINE_AMD64), got 0x%x", f.Machine)
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("expected PE32+ optional header")
	}

	if loadBase == 0 {
		loadBase = CodeBase
	}
	if oh.SizeOfImage == 0 || loadBase < CodeBase || loadBase+uint64(oh.SizeOfImage) > CodeBase+CodeSize {
		return nil, fmt.Errorf("image of 0x%x bytes does not fit at 0x%x", oh.SizeOfImage, loadBase)
	}

	// Build the image in host memory, then write it once.
	img := make([]byte, oh.SizeOfImage)
	copy(img, data[:min(uint32(len(data)), oh.SizeOfHeaders, oh.SizeOfImage)])

	info := &ImageInfo{
		Entry:    loadBase + uint64(oh.AddressOfEntryPoint),
		BaseAddr: loadBase,
		EndAddr:  loadBase + uint64(oh.SizeOfImage),
	}

	for _, s := range f.Sections {
		if uint64(s.VirtualAddress)+uint64(s.VirtualSize) > uint64(len(img)) {
			return nil, fmt.Errorf("section %s outside image", s.Name)
		}
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", s.Name, err)
		}
		// Raw data beyond VirtualSize is file alignment padding.
		if s.VirtualSize != 0 && uint32(len(raw)) > s.VirtualSize {
			raw = raw[:s.VirtualSize]
		}
		copy(img[s.VirtualAddress:], raw)

		info.Sections = append(info.Sections, Section{
			Name:  s.Name,
			VAddr: loadBase + uint64(s.VirtualAddress),
			Size:  uint64(s.VirtualSize),
		})
	}

	if delta := loadBase - oh.ImageBase; delta != 0 {
		n, err := applyBaseRelocs(img, oh, delta)
		if err != nil {
			return nil, fmt.Errorf("apply relocations: %w", err)
		}
		info.Relocs = n
	}

	if err := e.MemWrite(loadBase, img); err != nil {
		return nil, fmt.Errorf("write image at 0x%x: %w", loadBase, err)
	}
	return info, nil
}

// applyBaseRelocs walks the base relocation directory and adds delta to each
// fixup. Returns the number of fixups applied.
func applyBaseRelocs(img []byte, oh *pe.OptionalHeader64, delta uint64) (int, error) {
	if oh.NumberOfRvaAndSizes <= pe.IMAGE_DIRECTORY_ENTRY_BASERELOC {
		return 0, nil
	}
	dir := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]
	if dir.Size == 0 {
		return 0, nil
	}
	end := uint64(dir.VirtualAddress) + uint64(dir.Size)
	if end > uint64(len(img)) {
		return 0, fmt.Errorf("relocation directory outside image")
	}

	applied := 0
	for off := uint64(dir.VirtualAddress); off+8 <= end; {
		pageRVA := uint64(binary.LittleEndian.Uint32(img[off:]))
		blockSize := uint64(binary.LittleEndian.Uint32(img[off+4:]))
		if blockSize < 8 || off+blockSize > end {
			return applied, fmt.Errorf("bad relocation block at rva 0x%x", off)
		}

		for p := off + 8; p+2 <= off+blockSize; p += 2 {
			entry := binary.LittleEndian.Uint16(img[p:])
			typ := entry >> 12
			at := pageRVA + uint64(entry&0xfff)

			switch typ {
			case IMAGE_REL_BASED_ABSOLUTE:
				// Padding
			case IMAGE_REL_BASED_DIR64:
				if at+8 > uint64(len(img)) {
					return applied, fmt.Errorf("DIR64 fixup at 0x%x outside image", at)
				}
				v := binary.LittleEndian.Uint64(img[at:])
				binary.LittleEndian.PutUint64(img[at:], v+delta)
				applied++
			case IMAGE_REL_BASED_HIGHLOW:
				if at+4 > uint64(len(img)) {
					return applied, fmt.Errorf("HIGHLOW fixup at 0x%x outside image", at)
				}
				v := binary.LittleEndian.Uint32(img[at:])
				binary.LittleEndian.PutUint32(img[at:], v+uint32(delta))
				applied++
			default:
				return applied, fmt.Errorf("unsupported relocation type %d at 0x%x", typ, at)
			}
		}
		off += blockSize
	}
	return applied, nil
}

// LoadRaw loads a flat binary at CodeBase. entryOff is the entry point
// offset from the start of the blob.
func (e *Emulator) LoadRaw(path string, entryOff uint64) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if uint64(len(data)) > CodeSize {
		return nil, fmt.Errorf("blob of %d bytes exceeds code region", len(data))
	}
	if entryOff >= uint64(len(data)) {
		return nil, fmt.Errorf("entry offset 0x%x beyond blob of %d bytes", entryOff, len(data))
	}
	if err := e.LoadCode(data); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	return &ImageInfo{
		Path:     path,
		Entry:    CodeBase + entryOff,
		BaseAddr: CodeBase,
		EndAddr:  CodeBase + uint64(len(data)),
	}, nil
}

// IsPE reports whether data starts with an MZ header.
func IsPE(data []byte) bool {
	return len(data) >= 2 && data[0] == 'M' && data[1] == 'Z'
}
