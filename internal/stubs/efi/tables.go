package efi

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zboralski/efitaint/internal/emulator"
	"github.com/zboralski/efitaint/internal/stubs"
)

// Table layout inside the emulator table region
const (
	SystemTableAddr     = emulator.TableBase + 0x0000
	BootServicesAddr    = emulator.TableBase + 0x1000
	RuntimeServicesAddr = emulator.TableBase + 0x2000
	SMSTAddr            = emulator.TableBase + 0x3000
	ProtocolsAddr       = emulator.TableBase + 0x4000
	VendorAddr          = emulator.TableBase + 0x8000

	protocolStride = 0x100
	tableHeaderLen = 24
)

// Table header signatures
const (
	systemTableSignature = 0x5453595320494249 // "IBI SYST"
	bootServicesSig      = 0x56524553544f4f42 // "BOOTSERV"
	runtimeServicesSig   = 0x56524553544e5552 // "RUNTSERV"
	smstSignature        = 0x54534d53         // "SMST"
	uefiRevision         = 2<<16 | 70
	firmwareVendor       = "efitaint"
)

type slot struct {
	off  uint64
	name string
}

// EFI_BOOT_SERVICES slots with implementations
var bootSlots = []slot{
	{40, "AllocatePages"},
	{48, "FreePages"},
	{64, "AllocatePool"},
	{72, "FreePool"},
	{320, "LocateProtocol"},
	{352, "CopyMem"},
	{360, "SetMem"},
}

const bootServicesSize = 376

// EFI_RUNTIME_SERVICES slots with implementations
var runtimeSlots = []slot{
	{72, "GetVariable"},
	{80, "GetNextVariableName"},
	{88, "SetVariable"},
}

const runtimeServicesSize = 136

// EFI_SMM_SYSTEM_TABLE2 slots with implementations
var smstSlots = []slot{
	{80, "SmmAllocatePool"},
	{88, "SmmFreePool"},
	{96, "SmmAllocatePages"},
	{104, "SmmFreePages"},
	{208, "SmmLocateProtocol"},
	{224, "SmiHandlerRegister"},
}

// Remaining SMST function pointers; the others are data.
var smstFunctionOffsets = []uint64{40, 112, 168, 176, 184, 192, 200, 216, 232}

const smstSize = 240

// field is one protocol interface member: a stub, an unsupported
// function, or a data value.
type field struct {
	stub  string
	value uint64
	data  bool
}

func fn(name string) field { return field{stub: name} }
func value(v uint64) field { return field{value: v, data: true} }

var unsupportedFn = field{}

type protocol struct {
	guid   uuid.UUID
	name   string
	fields []field
}

var protocols = []protocol{
	{SmmBase2Guid, "SmmBase2", []field{
		fn("SmmBase2.InSmm"),
		fn("SmmBase2.GetSmstLocation"),
	}},
	{SmmSwDispatch2Guid, "SmmSwDispatch2", []field{
		fn("SmmSwDispatch2.Register"),
		fn("SmmSwDispatch2.UnRegister"),
		value(0xff), // MaximumSwiValue
	}},
	{SmmSxDispatch2Guid, "SmmSxDispatch2", []field{
		fn("SmmSxDispatch2.Register"),
		fn("SmmSxDispatch2.UnRegister"),
	}},
	{FirmwareVolume2Guid, "FirmwareVolume2", []field{
		unsupportedFn, // GetVolumeAttributes
		unsupportedFn, // SetVolumeAttributes
		unsupportedFn, // ReadFile
		unsupportedFn, // ReadSection
		unsupportedFn, // WriteFile
		unsupportedFn, // GetNextFile
		value(0),      // KeySize
		value(0),      // ParentHandle
		unsupportedFn, // GetInfo
		unsupportedFn, // SetInfo
	}},
}

// Build writes the system table, boot and runtime services, the SMST and the
// supported protocol interfaces, all pointing at stubs in t. It records the
// addresses in env.
func Build(env *stubs.Env, t *stubs.Table) error {
	emu := env.Emu
	unsupported := t.MustAddr("Unsupported")

	vendor, err := EncodeString16(firmwareVendor)
	if err != nil {
		return err
	}
	if err := emu.MemWrite(VendorAddr, vendor); err != nil {
		return fmt.Errorf("write vendor: %w", err)
	}

	// Boot services: every function slot defaults to Unsupported.
	if err := writeHeader(emu, BootServicesAddr, bootServicesSig, bootServicesSize); err != nil {
		return err
	}
	for off := uint64(tableHeaderLen); off < bootServicesSize; off += 8 {
		if err := emu.MemWriteU64(BootServicesAddr+off, unsupported); err != nil {
			return err
		}
	}
	if err := writeSlots(emu, t, BootServicesAddr, bootSlots); err != nil {
		return err
	}

	if err := writeHeader(emu, RuntimeServicesAddr, runtimeServicesSig, runtimeServicesSize); err != nil {
		return err
	}
	for off := uint64(tableHeaderLen); off < runtimeServicesSize; off += 8 {
		if err := emu.MemWriteU64(RuntimeServicesAddr+off, unsupported); err != nil {
			return err
		}
	}
	if err := writeSlots(emu, t, RuntimeServicesAddr, runtimeSlots); err != nil {
		return err
	}

	if err := writeHeader(emu, SMSTAddr, smstSignature, smstSize); err != nil {
		return err
	}
	if err := emu.MemWriteU64(SMSTAddr+24, VendorAddr); err != nil {
		return err
	}
	for _, off := range smstFunctionOffsets {
		if err := emu.MemWriteU64(SMSTAddr+off, unsupported); err != nil {
			return err
		}
	}
	// NumberOfCpus
	if err := emu.MemWriteU64(SMSTAddr+128, 1); err != nil {
		return err
	}
	if err := writeSlots(emu, t, SMSTAddr, smstSlots); err != nil {
		return err
	}

	// EFI_SYSTEM_TABLE
	if err := writeHeader(emu, SystemTableAddr, systemTableSignature, 120); err != nil {
		return err
	}
	for off, v := range map[uint64]uint64{
		24: VendorAddr,
		88: RuntimeServicesAddr,
		96: BootServicesAddr,
	} {
		if err := emu.MemWriteU64(SystemTableAddr+off, v); err != nil {
			return err
		}
	}
	if err := emu.MemWriteU32(SystemTableAddr+32, 1); err != nil {
		return err
	}

	addr := uint64(ProtocolsAddr)
	for _, p := range protocols {
		if err := writeProtocol(emu, t, addr, p, unsupported); err != nil {
			return fmt.Errorf("install %s: %w", p.name, err)
		}
		env.Protocols[p.guid] = addr
		env.Log.StubInstall("protocol", p.name, addr)
		addr += protocolStride
	}

	env.SystemTable = SystemTableAddr
	env.SMST = SMSTAddr
	env.ImageHandle = env.NewHandle()
	return nil
}

func writeHeader(emu *emulator.Emulator, addr, sig uint64, size uint32) error {
	// EFI_TABLE_HEADER { Signature u64; Revision u32; HeaderSize u32; CRC32 u32; Reserved u32 }
	if err := emu.MemWriteU64(addr, sig); err != nil {
		return fmt.Errorf("write table header at 0x%x: %w", addr, err)
	}
	if err := emu.MemWriteU32(addr+8, uefiRevision); err != nil {
		return err
	}
	return emu.MemWriteU32(addr+12, size)
}

func writeSlots(emu *emulator.Emulator, t *stubs.Table, base uint64, slots []slot) error {
	for _, s := range slots {
		if err := emu.MemWriteU64(base+s.off, t.MustAddr(s.name)); err != nil {
			return fmt.Errorf("write %s slot: %w", s.name, err)
		}
	}
	return nil
}

func writeProtocol(emu *emulator.Emulator, t *stubs.Table, addr uint64, p protocol, unsupported uint64) error {
	for i, f := range p.fields {
		v := f.value
		switch {
		case f.data:
		case f.stub != "":
			v = t.MustAddr(f.stub)
		default:
			v = unsupported
		}
		if err := emu.MemWriteU64(addr+uint64(i)*8, v); err != nil {
			return err
		}
	}
	return nil
}
