package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zboralski/efitaint/internal/config"
	"github.com/zboralski/efitaint/internal/emulator"
	glog "github.com/zboralski/efitaint/internal/log"
	"github.com/zboralski/efitaint/internal/session"
	"github.com/zboralski/efitaint/internal/taint"
	"github.com/zboralski/efitaint/internal/trace"
	"github.com/zboralski/efitaint/internal/ui/colorize"
)

var (
	verbose bool
	quiet   bool
	maxShow int

	configPath   string
	nvramPath    string
	saveNVRAM    string
	taintRegs    []string
	disableRules []string
	noStackTaint bool
	noSMI        bool
	maxInsn      uint64
	timeout      time.Duration
	entryOff     uint64
	loadBase     uint64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "efitaint [image.efi]",
		Short: "Find uninitialized memory leaks in UEFI and SMM modules",
		Long: `efitaint emulates an x86-64 UEFI or SMM driver and tracks which bytes of
memory were never initialized.

Allocations and freshly reserved stack frames start out tainted. Firmware
services that fill memory (SetMem, CopyMem, GetVariable) clean or move the
taint. When tainted bytes reach SetVariable the run stops and reports the
leak, since those bytes would be persisted to NVRAM.

After the entry point returns, SMI handlers the driver registered are invoked
one by one.

Exit status is 2 when a leak is found and 3 when the run faulted or ran out
of its instruction or time budget before finishing.

Examples:
  efitaint SmmDriver.efi                 # Trace with taint annotations
  efitaint SmmDriver.efi -q              # Leaks and stats only
  efitaint SmmDriver.efi --taint-reg r8  # Treat r8 as uninitialized
  efitaint rules                         # List propagation rules
  efitaint info SmmDriver.efi            # Show image layout`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runTrace,
	}

	f := rootCmd.Flags()
	f.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	f.BoolVarP(&quiet, "quiet", "q", false, "quiet mode (leaks + stats only)")
	f.IntVarP(&maxShow, "num", "n", 500, "max instructions to show")
	f.StringVarP(&configPath, "config", "c", "", "session options (YAML)")
	f.StringVar(&nvramPath, "nvram", "", "seed variable store (YAML)")
	f.StringVar(&saveNVRAM, "save-nvram", "", "write the variable store after the run")
	f.StringSliceVar(&taintRegs, "taint-reg", nil, "registers holding uninitialized values")
	f.StringSliceVar(&disableRules, "disable-rule", nil, "propagation rules to turn off")
	f.BoolVar(&noStackTaint, "no-stack-taint", false, "do not taint new stack frames")
	f.BoolVar(&noSMI, "no-smi", false, "do not invoke registered SMI handlers")
	f.Uint64Var(&maxInsn, "max-insn", 0, "instruction budget (0 keeps the configured value)")
	f.DurationVar(&timeout, "timeout", 0, "time budget per call (0 keeps the configured value)")
	f.Uint64Var(&entryOff, "entry", 0, "entry offset for raw blobs")
	f.Uint64Var(&loadBase, "base", 0, "load address for PE images")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "rules",
		Short: "List taint propagation rules",
		Args:  cobra.NoArgs,
		RunE:  showRules,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "info <image.efi>",
		Short: "Show image information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write blocks when the buffer is full so leak lines are never dropped.
func (w *outputWriter) Write(line string) {
	w.ch <- line
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func mnemonic(dis string) string {
	fields := strings.Fields(dis)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func instructionTags(dis string) []string {
	switch mnemonic(dis) {
	case "CALL":
		return []string{"#call"}
	case "RET":
		return []string{"#ret"}
	case "JMP":
		return []string{"#br"}
	case "SYSCALL", "INT":
		return []string{"#syscall"}
	case "REP":
		return []string{"#rep"}
	}
	if strings.HasPrefix(dis, "sub rsp,") {
		return []string{"#frame"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	m := mnemonic(dis)
	return m == "RET" || m == "JMP" || m == "HLT"
}

func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	const hexCol = 20
	hexBytes := fmt.Sprintf("%X", code)
	if len(hexBytes) > hexCol {
		hexBytes = hexBytes[:hexCol-1] + "+"
	}
	b.WriteString(colorize.HexBytes(hexBytes))
	visibleLen += len(hexBytes)
	for pad := len(hexBytes); pad < hexCol+2; pad++ {
		b.WriteByte(' ')
		visibleLen++
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 70
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	leak := false
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		for k, v := range e.Annotations {
			comments = append(comments, k+"="+v)
		}
		leak = leak || e.Tags.Has(trace.Leak)
	}

	allTags := instructionTags(dis)
	for _, e := range events {
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var parts []string
		if len(allTags) > 0 {
			parts = append(parts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			parts = append(parts, strings.Join(comments, ", "))
		}
		comment := "; " + strings.Join(parts, " ")
		if leak {
			b.WriteString(colorize.Leak(comment))
		} else {
			b.WriteString(colorize.Comment(comment))
		}
		b.WriteString("  ")
	}

	names := make([]string, 0, len(events)+1)
	if funcName != "" {
		names = append(names, funcName)
	}
	for _, e := range events {
		if e.Name != "" && e.Name != funcName && !strings.Contains(e.Name, " ") {
			names = append(names, e.Name)
		}
	}
	for i, n := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(colorize.FuncName(n))
	}

	return b.String()
}

func relPath(p string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, p); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return p
}

func printHeader(w *outputWriter, info *emulator.ImageInfo, numStubs, numRegs int, stackTaint bool) {
	w.Write("")
	w.Write(fmt.Sprintf("%s efitaint ─ uninitialized memory tracker for UEFI/SMM", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), relPath(info.Path)))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(info.BaseAddr),
		colorize.Detail("Entry:"), colorize.Address(info.Entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s  %s %v",
		colorize.Detail("Sections:"), colorize.FuncName(fmt.Sprintf("%d", len(info.Sections))),
		colorize.Detail("Stubs:"), colorize.FuncName(fmt.Sprintf("%d", numStubs)),
		colorize.Detail("Tainted regs:"), colorize.FuncName(fmt.Sprintf("%d", numRegs)),
		colorize.Detail("Stack taint:"), stackTaint))
	w.Write("")
}

func printLeaks(leaks []*taint.LeakError) {
	if len(leaks) == 0 {
		return
	}
	fmt.Println()
	for _, l := range leaks {
		fmt.Printf("%s %s at %s\n",
			colorize.Leak("LEAK"),
			colorize.FuncName(l.Call.API.String()),
			colorize.Address(l.Call.Addr))
		fmt.Printf("  %s %s\n", colorize.Detail("buffer"), l.Buffer)
		for _, r := range l.Tainted {
			fmt.Printf("  %s %s  %s\n", colorize.Detail("tainted"), colorize.Taint(r.String()), colorize.Detail(fmt.Sprintf("%d bytes", r.Len)))
		}
	}
}

func printHandlers(runs []session.HandlerRun) {
	if len(runs) == 0 {
		return
	}
	fmt.Println()
	for _, h := range runs {
		status := glog.Hex(h.Status)
		if h.Err != nil {
			status = colorize.Error(h.Err.Error())
		}
		fmt.Printf("%s %s handler %s  %s\n",
			colorize.Detail("smi"),
			h.Handler.Kind,
			colorize.Address(h.Handler.Addr),
			status)
	}
}

func printStats(res *session.Result) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s frames  %s tainted  %s leaks",
		colorize.FuncName(fmt.Sprintf("%d", res.Instructions)),
		colorize.FuncName(fmt.Sprintf("%d", res.Stats.StackFrames)),
		colorize.FuncName(fmt.Sprintf("%d", res.Tainted)),
		colorize.FuncName(fmt.Sprintf("%d", len(res.Violations))))
	if res.Stats.Warnings > 0 {
		fmt.Printf("  %s", colorize.Warn(fmt.Sprintf("%d warnings", res.Stats.Warnings)))
	}
	if res.Err != nil && !errors.Is(res.Err, taint.ErrLeak) {
		errStr := res.Err.Error()
		if strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") || strings.Contains(errStr, "UC_ERR_WRITE_UNMAPPED") {
			fmt.Printf("  %s", colorize.Detail(errStr))
		} else {
			fmt.Printf("  %s", colorize.Error(errStr))
		}
	}
	fmt.Println()
}

func printQuietSummary(res *session.Result) {
	fmt.Printf("%s\n", colorize.FuncName(filepath.Base(res.Image.Path)))
	for _, l := range res.Violations {
		fmt.Printf("%s %s %s\n", colorize.Leak("leak"), l.Call.API, colorize.Taint(l.Buffer.String()))
	}
	fmt.Printf("%d %s", res.Instructions, colorize.Detail("insn"))
	if res.Stats.StackFrames > 0 {
		fmt.Printf("  %d %s", res.Stats.StackFrames, colorize.Detail("frame"))
	}
	if n := len(res.Handlers); n > 0 {
		fmt.Printf("  %d %s", n, colorize.Detail("smi"))
	}
	if res.Stats.Warnings > 0 {
		fmt.Printf("  %d %s", res.Stats.Warnings, colorize.Warn("warn"))
	}
	fmt.Println()
}

func loadOptions(cmd *cobra.Command, image string) (config.Options, error) {
	opts := config.Default()
	if configPath != "" {
		var err error
		if opts, err = config.Load(configPath); err != nil {
			return opts, err
		}
	}
	if image != "" {
		opts.Image = image
	}
	flags := cmd.Flags()
	if flags.Changed("nvram") {
		opts.NVRAM = nvramPath
	}
	if flags.Changed("save-nvram") {
		opts.SaveNVRAM = saveNVRAM
	}
	opts.TaintedRegisters = append(opts.TaintedRegisters, taintRegs...)
	opts.DisabledRules = append(opts.DisabledRules, disableRules...)
	if noStackTaint {
		opts.NoStackTaint = true
	}
	if noSMI {
		opts.RunSMIHandlers = false
	}
	if maxInsn > 0 {
		opts.MaxInstructions = maxInsn
	}
	if timeout > 0 {
		opts.Timeout = timeout
	}
	if flags.Changed("entry") {
		opts.Entry = entryOff
	}
	if flags.Changed("base") {
		opts.LoadBase = loadBase
	}
	return opts, opts.Validate()
}

func runTrace(cmd *cobra.Command, args []string) error {
	var image string
	if len(args) > 0 {
		image = args[0]
	}
	if image == "" && configPath == "" {
		return cmd.Help()
	}

	opts, err := loadOptions(cmd, image)
	if err != nil {
		return err
	}

	glog.Init(verbose)
	rec := &trace.Recorder{Enrich: trace.DefaultEnricher}
	if !quiet {
		glog.L.SetOnTrace(rec.Record)
	}

	s, err := session.New(opts, glog.L)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	info, err := s.Load()
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
		regs, _ := opts.Registers()
		printHeader(out, info, len(s.Table().Names()), len(regs), !opts.NoStackTaint)
	}

	shown := 0
	s.Emulator().HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		if quiet {
			return
		}
		events := rec.Drain()
		if shown >= maxShow && len(events) == 0 {
			return
		}
		shown++

		var funcName string
		if def, ok := s.Table().StubAt(addr); ok {
			funcName = def.Name
		}
		if addr == emulator.ReturnAddr {
			funcName = "<return>"
		}
		code, _ := e.MemRead(addr, uint64(size))
		dis := e.Disasm(addr, size)
		out.Write(formatLine(addr, code, dis, funcName, events))
		if isBlockEnd(dis) {
			out.Write("")
		}
	})

	res, err := s.Run()
	if out != nil {
		if rest := rec.Drain(); len(rest) > 0 {
			out.Write(formatLine(s.Emulator().PC(), nil, "", "", rest))
		}
		out.Close()
	}
	if err != nil {
		return err
	}

	if quiet {
		printQuietSummary(res)
	} else {
		printHandlers(res.Handlers)
		printLeaks(res.Violations)
		printStats(res)
	}

	switch {
	case res.Leaked():
		s.Close()
		os.Exit(2)
	case res.Err != nil:
		// Truncated or faulted: the absence of leaks proves nothing.
		s.Close()
		os.Exit(3)
	}
	return nil
}

func showRules(cmd *cobra.Command, args []string) error {
	for _, r := range taint.Rules() {
		fmt.Printf("%-20s %-6s %s\n",
			colorize.FuncName(r.API.String()),
			colorize.Detail(r.Boundary.String()),
			r.Doc)
	}
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if !emulator.IsPE(data) {
		return fmt.Errorf("%s is not a PE image", filepath.Base(absPath))
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	info, err := emu.LoadPEBytes(data, loadBase)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	fmt.Printf("Image:  %s\n", filepath.Base(absPath))
	fmt.Printf("Base:   0x%x\n", info.BaseAddr)
	fmt.Printf("End:    0x%x\n", info.EndAddr)
	fmt.Printf("Entry:  0x%x\n", info.Entry)
	fmt.Printf("Relocs: %d\n\n", info.Relocs)

	fmt.Println("Sections:")
	for _, sec := range info.Sections {
		fmt.Printf("  0x%08x %8d  %s\n", sec.VAddr, sec.Size, sec.Name)
	}
	return nil
}
