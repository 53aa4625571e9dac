// Package kpanic implements the kernel's single fatal-error path (§7):
// format a message, dump a stack trace (and, for fault paths, a symbolic
// disassembly of the faulting instruction), then halt. The teacher's own
// panic sites are terse one-liners ("wut", "no", "must succeed" in
// mem/mem.go and vm/as.go) reached from deep inside otherwise-unremarkable
// functions; this package is what those call sites would funnel into if
// the teacher had centralized them.
package kpanic

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/arch/x86/x86asm"

	"kcore/kernel/klog"
)

/// HaltFunc is called after a panic has been logged. The default unwinds
/// with a Go panic carrying a distinct sentinel type (haltSentinel), so
/// recover() can tell a kernel panic from a Go bug; SetHalt replaces it,
/// e.g. with a test hook that records the call.
type HaltFunc func(msg string)

type haltSentinel struct{ msg string }

func (h haltSentinel) Error() string { return h.msg }

var halt HaltFunc = func(msg string) {
	panic(haltSentinel{msg})
}

/// SetHalt installs f as the action taken after a panic is logged. Used by
/// tests to observe panics without terminating the test binary, and by the
/// real boot path to wire up "disable interrupts, halt, signal QEMU
/// shutdown under test" (§7).
func SetHalt(f HaltFunc) {
	halt = f
}

/// Panic formats msg, logs it with a Go stack trace, and invokes the
/// installed halt action. It never returns under the default halt.
func Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	klog.Printf("KERNEL PANIC: %s", msg)
	klog.Printf("%s", debug.Stack())
	halt(msg)
}

/// FaultFrame is the minimal register/instruction state available when a
/// fault is reported; arch-specific trap glue (out of scope per §1) is
/// responsible for filling it in from the real trapframe.
type FaultFrame struct {
	RIP      uintptr
	TrapNo   uintptr
	ErrCode  uintptr
	CodeAtIP []byte // a few bytes starting at RIP, if readable
}

/// DumpFault logs a register dump for f and, when CodeAtIP is present,
/// a symbolic disassembly of the faulting instruction using x86asm — the
/// disassembly-backed equivalent of the teacher's bare hex tfdump (see
/// justanotherdot-biscuit/biscuit/src/kernel/main.go's tfdump).
func DumpFault(f FaultFrame) {
	klog.Printf("trap %d err %#x RIP %#x", f.TrapNo, f.ErrCode, f.RIP)
	if len(f.CodeAtIP) == 0 {
		return
	}
	inst, err := x86asm.Decode(f.CodeAtIP, 64)
	if err != nil {
		klog.Printf("  <undecodable: %v>", err)
		return
	}
	klog.Printf("  %#x: %s", f.RIP, x86asm.GNUSyntax(inst, uint64(f.RIP), nil))
}

/// FatalFault logs the fault and panics; always used for kernel-context
/// faults outside a fault-resumable-call frame (§7).
func FatalFault(f FaultFrame) {
	DumpFault(f)
	Panic("fatal page fault at %#x (trap %d)", f.RIP, f.TrapNo)
}
