// Package debug disassembles the guest instruction at a faulting PC, a
// diagnostic helper spec.md doesn't itself require and that no govmm
// subcommand calls, but the teacher's own history carries: grounded on
// machine/debug_amd64.go's Inst/Asm (x86asm.Decode plus GNUSyntax),
// generalized from machine.Machine's direct ptrace/kvm register+memory
// reads to a memmap.Map and an already-fetched RIP, so it can run
// against either backend's already-captured ExitInfo instead of poking
// the guest live.
package debug

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/govmm/memmap"
)

// maxInstrLen is the longest possible x86 instruction encoding.
const maxInstrLen = 16

// DisassembleAt decodes the x86-64 instruction at guest physical address
// pc, returning its GNU-syntax text alongside the decoded x86asm.Inst
// for callers that want structured access (operand widths, mem operands).
func DisassembleAt(mem *memmap.Map, pc uint64) (*x86asm.Inst, string, error) {
	raw := make([]byte, maxInstrLen)
	if err := mem.Read(pc, raw); err != nil {
		return nil, "", fmt.Errorf("reading instruction bytes at %#x: %w", pc, err)
	}

	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x at %#x: %w", raw, pc, err)
	}

	return &inst, x86asm.GNUSyntax(inst, pc, nil), nil
}
