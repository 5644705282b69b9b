package efi

import (
	"fmt"

	"github.com/zboralski/efitaint/internal/stubs"
	"github.com/zboralski/efitaint/internal/taint"
)

func init() {
	// SMST services
	stubs.Register(stubs.StubDef{
		Name:     "SmmAllocatePool",
		API:      taint.APISmmAllocatePool,
		Params:   []string{"PoolType", "Size", "Buffer"},
		Hook:     stubSmmAllocatePool,
		Category: "smm",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmFreePool",
		Params:   []string{"Buffer"},
		Hook:     stubFreePool,
		Category: "smm",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmAllocatePages",
		API:      taint.APISmmAllocatePages,
		Params:   []string{"Type", "MemoryType", "NumberOfPages", "Memory"},
		Hook:     stubSmmAllocatePages,
		Category: "smm",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmFreePages",
		Params:   []string{"Memory", "Pages"},
		Hook:     stubFreePages,
		Category: "smm",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmLocateProtocol",
		Params:   []string{"Protocol", "Registration", "Interface"},
		Hook:     stubSmmLocateProtocol,
		Category: "smm",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmiHandlerRegister",
		Params:   []string{"Handler", "HandlerType", "DispatchHandle"},
		Hook:     stubSmiHandlerRegister,
		Category: "smm",
	})

	// EFI_SMM_BASE2_PROTOCOL
	stubs.Register(stubs.StubDef{
		Name:     "SmmBase2.InSmm",
		Params:   []string{"This", "InSmram"},
		Hook:     stubInSmm,
		Category: "protocol",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmBase2.GetSmstLocation",
		Params:   []string{"This", "Smst"},
		Hook:     stubGetSmstLocation,
		Category: "protocol",
	})

	// EFI_SMM_SW_DISPATCH2_PROTOCOL
	stubs.Register(stubs.StubDef{
		Name:     "SmmSwDispatch2.Register",
		Params:   []string{"This", "DispatchFunction", "RegisterContext", "DispatchHandle"},
		Hook:     stubSwRegister,
		Category: "protocol",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmSwDispatch2.UnRegister",
		Params:   []string{"This", "DispatchHandle"},
		Hook:     stubUnRegister,
		Category: "protocol",
	})

	// EFI_SMM_SX_DISPATCH2_PROTOCOL
	stubs.Register(stubs.StubDef{
		Name:     "SmmSxDispatch2.Register",
		Params:   []string{"This", "DispatchFunction", "RegisterContext", "DispatchHandle"},
		Hook:     stubSxRegister,
		Category: "protocol",
	})
	stubs.Register(stubs.StubDef{
		Name:     "SmmSxDispatch2.UnRegister",
		Params:   []string{"This", "DispatchHandle"},
		Hook:     stubUnRegister,
		Category: "protocol",
	})
}

func stubSmmAllocatePool(ctx *stubs.Context) uint64 {
	return allocatePool(ctx)
}

func stubSmmAllocatePages(ctx *stubs.Context) uint64 {
	return allocatePages(ctx, "NumberOfPages")
}

func stubSmmLocateProtocol(ctx *stubs.Context) uint64 {
	return locateProtocol(ctx)
}

// registerHandler records a dispatch handler and writes its handle.
func registerHandler(ctx *stubs.Context, kind string, fn, context, handleOut uint64) uint64 {
	if fn == 0 || handleOut == 0 {
		return InvalidParameter
	}
	h := stubs.SMIHandler{
		Kind:     kind,
		Addr:     fn,
		Context:  context,
		Handle:   ctx.Env.NewHandle(),
		Register: ctx.Call.Addr,
	}
	if err := ctx.Emu.MemWriteU64(handleOut, h.Handle); err != nil {
		return InvalidParameter
	}
	ctx.Env.Handlers = append(ctx.Env.Handlers, h)
	ctx.Log(fmt.Sprintf("%s handler 0x%x context=0x%x", kind, fn, context))
	return Success
}

func stubSmiHandlerRegister(ctx *stubs.Context) uint64 {
	return registerHandler(ctx, "root", ctx.Arg("Handler"), 0, ctx.Arg("DispatchHandle"))
}

func stubInSmm(ctx *stubs.Context) uint64 {
	out := ctx.Arg("InSmram")
	if out == 0 {
		return InvalidParameter
	}
	if err := writeBool(ctx.Emu, out, true); err != nil {
		return InvalidParameter
	}
	ctx.Log("-> TRUE")
	return Success
}

func stubGetSmstLocation(ctx *stubs.Context) uint64 {
	out := ctx.Arg("Smst")
	if out == 0 {
		return InvalidParameter
	}
	if err := ctx.Emu.MemWriteU64(out, ctx.Env.SMST); err != nil {
		return InvalidParameter
	}
	ctx.Log("-> " + stubs.FormatHex(ctx.Env.SMST))
	return Success
}

// swAutoAssign in SwSmiInputValue asks the dispatcher to pick a value.
const swAutoAssign = ^uint64(0)

func stubSwRegister(ctx *stubs.Context) uint64 {
	regCtx := ctx.Arg("RegisterContext")
	if regCtx == 0 {
		return InvalidParameter
	}
	// EFI_SMM_SW_REGISTER_CONTEXT { UINTN SwSmiInputValue; }
	val, err := ctx.Emu.MemReadU64(regCtx)
	if err != nil {
		return InvalidParameter
	}
	if val == swAutoAssign {
		val = uint64(0x80 + countKind(ctx.Env, "sw"))
		if err := ctx.Emu.MemWriteU64(regCtx, val); err != nil {
			return InvalidParameter
		}
	}
	return registerHandler(ctx, "sw", ctx.Arg("DispatchFunction"), regCtx, ctx.Arg("DispatchHandle"))
}

func stubSxRegister(ctx *stubs.Context) uint64 {
	return registerHandler(ctx, "sx", ctx.Arg("DispatchFunction"), ctx.Arg("RegisterContext"), ctx.Arg("DispatchHandle"))
}

func stubUnRegister(ctx *stubs.Context) uint64 {
	ctx.Log(stubs.FormatPtr("handle", ctx.Arg("DispatchHandle")) + " -> unsupported")
	return Unsupported
}

func countKind(env *stubs.Env, kind string) int {
	n := 0
	for _, h := range env.Handlers {
		if h.Kind == kind {
			n++
		}
	}
	return n
}
