package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

const maxInstructionLength = 15

type asmInstruction struct {
	PC    uint64
	Bytes []byte
	Text  string
}

func asmMode() int {
	if winutil.Is64Bit {
		return 64
	}
	return 32
}

// disassemble decodes at most count instructions from mem, which was read
// at address pc. Bytes that do not decode, including a lone prefix, become
// a one byte "?" entry.
func disassemble(mem []byte, pc uint64, count int, flavour string) []asmInstruction {
	r := make([]asmInstruction, 0, count)
	for len(mem) > 0 && len(r) < count {
		inst, err := x86asm.Decode(mem, asmMode())
		if err != nil || inst.Op == 0 || inst.Len == 0 {
			r = append(r, asmInstruction{PC: pc, Bytes: mem[:1], Text: "?"})
			mem = mem[1:]
			pc++
			continue
		}
		var text string
		switch flavour {
		case "gnu":
			text = x86asm.GNUSyntax(inst, pc, nil)
		default:
			text = x86asm.IntelSyntax(inst, pc, nil)
		}
		r = append(r, asmInstruction{PC: pc, Bytes: mem[:inst.Len], Text: text})
		mem = mem[inst.Len:]
		pc += uint64(inst.Len)
	}
	return r
}

// disassembleAt reads the instruction bytes at pc through the process
// memory accessor and prints count instructions.
func disassembleAt(t *Term, pc uint64, count int) error {
	mem := make([]byte, count*maxInstructionLength)
	n, err := t.proc.ReadMemory(mem, pc)
	if n == 0 && err != nil {
		return err
	}
	disasmPrint(disassemble(mem[:n], pc, count, t.conf.DisassembleFlavor), pc, t.stdout)
	return nil
}

func disasmPrint(dv []asmInstruction, pc uint64, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atpc := ""
		if inst.PC == pc {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%x\t%s\n", atpc, inst.PC, inst.Bytes, inst.Text)
	}
}
