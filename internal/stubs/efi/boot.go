package efi

import (
	"fmt"

	"github.com/zboralski/efitaint/internal/stubs"
	"github.com/zboralski/efitaint/internal/taint"
)

func init() {
	stubs.Register(stubs.StubDef{
		Name:     "AllocatePool",
		API:      taint.APIAllocatePool,
		Params:   []string{"PoolType", "Size", "Buffer"},
		Hook:     stubAllocatePool,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "FreePool",
		Params:   []string{"Buffer"},
		Hook:     stubFreePool,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "AllocatePages",
		Params:   []string{"Type", "MemoryType", "Pages", "Memory"},
		Hook:     stubAllocatePages,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "FreePages",
		Params:   []string{"Memory", "Pages"},
		Hook:     stubFreePages,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "CopyMem",
		API:      taint.APICopyMem,
		Params:   []string{"Destination", "Source", "Length"},
		Hook:     stubCopyMem,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SetMem",
		API:      taint.APISetMem,
		Params:   []string{"Buffer", "Size", "Value"},
		Hook:     stubSetMem,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "LocateProtocol",
		Params:   []string{"Protocol", "Registration", "Interface"},
		Hook:     stubLocateProtocol,
		Category: "boot",
	})
	stubs.Register(stubs.StubDef{
		Name:     "Unsupported",
		Hook:     stubUnsupported,
		Category: "efi",
	})
}

// allocatePool backs both AllocatePool and SmmAllocatePool.
func allocatePool(ctx *stubs.Context) uint64 {
	size, out := ctx.Arg("Size"), ctx.Arg("Buffer")
	if out == 0 {
		return InvalidParameter
	}
	ptr := ctx.Emu.Malloc(size)
	if ptr == 0 {
		ctx.Log(stubs.FormatPtr("size", size) + " -> out of resources")
		return OutOfResources
	}
	if err := ctx.Emu.MemWriteU64(out, ptr); err != nil {
		return InvalidParameter
	}
	ctx.Log(stubs.FormatPtrPair("size", size, "->", ptr))
	return Success
}

func stubAllocatePool(ctx *stubs.Context) uint64 {
	return allocatePool(ctx)
}

func stubFreePool(ctx *stubs.Context) uint64 {
	ctx.Log(stubs.FormatPtr("buffer", ctx.Arg("Buffer")))
	return Success
}

// allocatePages backs AllocatePages and SmmAllocatePages. countParam names
// the page count argument, which differs between the two tables.
func allocatePages(ctx *stubs.Context, countParam string) uint64 {
	n, out := ctx.Arg(countParam), ctx.Arg("Memory")
	if out == 0 {
		return InvalidParameter
	}
	ptr := ctx.Emu.AllocPages(n)
	if ptr == 0 {
		ctx.Log(stubs.FormatPtr("pages", n) + " -> out of resources")
		return OutOfResources
	}
	if err := ctx.Emu.MemWriteU64(out, ptr); err != nil {
		return InvalidParameter
	}
	ctx.Log(stubs.FormatPtrPair("pages", n, "->", ptr))
	return Success
}

func stubAllocatePages(ctx *stubs.Context) uint64 {
	return allocatePages(ctx, "Pages")
}

func stubFreePages(ctx *stubs.Context) uint64 {
	ctx.Log(stubs.FormatPtrPair("memory", ctx.Arg("Memory"), "pages", ctx.Arg("Pages")))
	return Success
}

// stubCopyMem moves Length bytes. Overlapping ranges behave like memmove.
func stubCopyMem(ctx *stubs.Context) uint64 {
	dst, src, n := ctx.Arg("Destination"), ctx.Arg("Source"), ctx.Arg("Length")
	if n > 0 {
		data, err := ctx.Emu.MemRead(src, n)
		if err == nil {
			err = ctx.Emu.MemWrite(dst, data)
		}
		if err != nil {
			ctx.Log(fmt.Sprintf("copy failed: %v", err))
		}
	}
	ctx.Log(stubs.FormatPtrPair("dst", dst, "src", src) + " " + stubs.FormatPtr("len", n))
	return Success
}

func stubSetMem(ctx *stubs.Context) uint64 {
	buf, n, val := ctx.Arg("Buffer"), ctx.Arg("Size"), byte(ctx.Arg("Value"))
	if n > 0 {
		fill := make([]byte, n)
		for i := range fill {
			fill[i] = val
		}
		if err := ctx.Emu.MemWrite(buf, fill); err != nil {
			ctx.Log(fmt.Sprintf("fill failed: %v", err))
		}
	}
	ctx.Log(stubs.FormatPtrPair("buffer", buf, "size", n) + fmt.Sprintf(" value=0x%02x", val))
	return Success
}

// locateProtocol backs LocateProtocol and SmmLocateProtocol.
func locateProtocol(ctx *stubs.Context) uint64 {
	out := ctx.Arg("Interface")
	if out == 0 {
		return InvalidParameter
	}
	guid, err := ReadGUID(ctx.Emu, ctx.Arg("Protocol"))
	if err != nil {
		return InvalidParameter
	}
	iface, ok := ctx.Env.Protocols[guid]
	if !ok {
		ctx.Log(guid.String() + " -> not found")
		_ = ctx.Emu.MemWriteU64(out, 0)
		return NotFound
	}
	if err := ctx.Emu.MemWriteU64(out, iface); err != nil {
		return InvalidParameter
	}
	ctx.Log(guid.String() + " -> " + stubs.FormatHex(iface))
	return Success
}

func stubLocateProtocol(ctx *stubs.Context) uint64 {
	return locateProtocol(ctx)
}

// stubUnsupported fills every table slot without an implementation.
func stubUnsupported(ctx *stubs.Context) uint64 {
	ctx.Log("-> unsupported")
	return Unsupported
}
