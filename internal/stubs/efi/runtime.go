package efi

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zboralski/efitaint/internal/stubs"
	"github.com/zboralski/efitaint/internal/taint"
)

func init() {
	stubs.Register(stubs.StubDef{
		Name:     "GetVariable",
		API:      taint.APIGetVariable,
		Params:   []string{"VariableName", "VendorGuid", "Attributes", "DataSize", "Data"},
		Hook:     stubGetVariable,
		Category: "runtime",
	})
	stubs.Register(stubs.StubDef{
		Name:     "GetNextVariableName",
		Params:   []string{"VariableNameSize", "VariableName", "VendorGuid"},
		Hook:     stubGetNextVariableName,
		Category: "runtime",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SetVariable",
		API:      taint.APISetVariable,
		Params:   []string{"VariableName", "VendorGuid", "Attributes", "DataSize", "Data"},
		Hook:     stubSetVariable,
		Category: "runtime",
	})
}

// readKey reads the (VariableName, VendorGuid) pair of a variable call.
func readKey(ctx *stubs.Context) (string, uuid.UUID, error) {
	name, err := ReadString16(ctx.Emu, ctx.Arg("VariableName"))
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("read name: %w", err)
	}
	guid, err := ReadGUID(ctx.Emu, ctx.Arg("VendorGuid"))
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("read guid: %w", err)
	}
	return name, guid, nil
}

func stubGetVariable(ctx *stubs.Context) uint64 {
	sizePtr, data := ctx.Arg("DataSize"), ctx.Arg("Data")
	if ctx.Arg("VariableName") == 0 || ctx.Arg("VendorGuid") == 0 || sizePtr == 0 {
		return InvalidParameter
	}
	name, guid, err := readKey(ctx)
	if err != nil {
		ctx.Log(err.Error())
		return InvalidParameter
	}

	v, ok := ctx.Env.Vars.Get(name, guid)
	if !ok {
		ctx.Log(name + " -> not found")
		return NotFound
	}

	avail, err := ctx.Emu.MemReadU64(sizePtr)
	if err != nil {
		return InvalidParameter
	}
	need := uint64(len(v.Data))
	if err := ctx.Emu.MemWriteU64(sizePtr, need); err != nil {
		return InvalidParameter
	}
	if avail < need {
		ctx.Log(fmt.Sprintf("%s size=%d -> buffer too small (%d)", name, need, avail))
		return BufferTooSmall
	}
	if data == 0 {
		return InvalidParameter
	}
	if err := ctx.Emu.MemWrite(data, v.Data); err != nil {
		return InvalidParameter
	}
	if attrs := ctx.Arg("Attributes"); attrs != 0 {
		_ = ctx.Emu.MemWriteU32(attrs, v.Attributes)
	}
	ctx.Log(fmt.Sprintf("%s %s size=%d", name, guid, need))
	return Success
}

func stubGetNextVariableName(ctx *stubs.Context) uint64 {
	sizePtr, namePtr, guidPtr := ctx.Arg("VariableNameSize"), ctx.Arg("VariableName"), ctx.Arg("VendorGuid")
	if sizePtr == 0 || namePtr == 0 || guidPtr == 0 {
		return InvalidParameter
	}
	name, guid, err := readKey(ctx)
	if err != nil {
		return InvalidParameter
	}

	next, ok := ctx.Env.Vars.Next(name, guid)
	if !ok {
		return NotFound
	}
	raw, err := EncodeString16(next.Name)
	if err != nil {
		return InvalidParameter
	}

	avail, err := ctx.Emu.MemReadU64(sizePtr)
	if err != nil {
		return InvalidParameter
	}
	if err := ctx.Emu.MemWriteU64(sizePtr, uint64(len(raw))); err != nil {
		return InvalidParameter
	}
	if avail < uint64(len(raw)) {
		return BufferTooSmall
	}
	if err := ctx.Emu.MemWrite(namePtr, raw); err != nil {
		return InvalidParameter
	}
	if err := WriteGUID(ctx.Emu, guidPtr, next.GUID); err != nil {
		return InvalidParameter
	}
	ctx.Log(name + " -> " + next.Name)
	return Success
}

// stubSetVariable commits the variable. Taint checks run before this point.
func stubSetVariable(ctx *stubs.Context) uint64 {
	size, data := ctx.Arg("DataSize"), ctx.Arg("Data")
	if ctx.Arg("VariableName") == 0 || ctx.Arg("VendorGuid") == 0 || (size != 0 && data == 0) {
		return InvalidParameter
	}
	name, guid, err := readKey(ctx)
	if err != nil {
		ctx.Log(err.Error())
		return InvalidParameter
	}

	var buf []byte
	if size > 0 {
		buf, err = ctx.Emu.MemRead(data, size)
		if err != nil {
			return InvalidParameter
		}
	}
	if size == 0 {
		if !ctx.Env.Vars.Delete(name, guid) {
			return NotFound
		}
		ctx.Log(name + " deleted")
		return Success
	}
	ctx.Env.Vars.Set(name, guid, uint32(ctx.Arg("Attributes")), buf)
	ctx.Log(fmt.Sprintf("%s %s size=%d", name, guid, size))
	return Success
}
