// Package winutil contains the binary layouts of the Windows thread
// structures (CONTEXT, TEB) used to inspect and modify remote threads.
//
// Both the x86 and the x64 layouts are always compiled so that they can be
// tested on any host; CONTEXT and Teb select the one matching the build
// architecture.
package winutil

import (
	"fmt"
	"strings"
)

// ContextFlags selects the register groups of a CONTEXT that a get
// operation should fill and a set operation should write back.
// The values match the low bits of the Windows CONTEXT_* constants, the
// architecture bit is added by SetFlags.
type ContextFlags uint32

const (
	ContextControl           ContextFlags = 0x01
	ContextInteger           ContextFlags = 0x02
	ContextSegments          ContextFlags = 0x04
	ContextFloatingPoint     ContextFlags = 0x08
	ContextDebugRegisters    ContextFlags = 0x10
	ContextExtendedRegisters ContextFlags = 0x20 // x86 only

	ContextFull = ContextControl | ContextInteger | ContextSegments
	ContextAll  = ContextControl | ContextInteger | ContextSegments | ContextFloatingPoint | ContextDebugRegisters | ContextExtendedRegisters

	contextGroupMask = ContextAll
)

const (
	contextI386  uint32 = 0x00010000
	contextAMD64 uint32 = 0x00100000
)

var contextFlagNames = []struct {
	flag ContextFlags
	name string
}{
	{ContextControl, "control"},
	{ContextInteger, "integer"},
	{ContextSegments, "segments"},
	{ContextFloatingPoint, "float"},
	{ContextDebugRegisters, "debug"},
	{ContextExtendedRegisters, "extended"},
}

// Valid reports whether f only contains known register groups.
func (f ContextFlags) Valid() bool {
	return f&^contextGroupMask == 0
}

// Has reports whether every group of g is also in f.
func (f ContextFlags) Has(g ContextFlags) bool {
	return f&g == g
}

func (f ContextFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range contextFlagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ contextGroupMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseContextFlags parses a list of group names separated by '|' or ','.
// The names accepted are the ones printed by ContextFlags.String plus
// "full" and "all".
func ParseContextFlags(s string) (ContextFlags, error) {
	var f ContextFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "full":
			f |= ContextFull
			continue
		case "all":
			f |= ContextAll
			continue
		}
		found := false
		for _, fn := range contextFlagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown register group %q", part)
		}
	}
	return f, nil
}

// SegmentRegister names one of the x86 segment registers.
type SegmentRegister uint8

const (
	SegCs SegmentRegister = iota
	SegDs
	SegEs
	SegFs
	SegGs
	SegSs
)

var segmentNames = [...]string{"cs", "ds", "es", "fs", "gs", "ss"}

func (s SegmentRegister) String() string {
	if int(s) < len(segmentNames) {
		return segmentNames[s]
	}
	return fmt.Sprintf("seg(%d)", uint8(s))
}

// ParseSegmentRegister returns the segment register called name.
func ParseSegmentRegister(name string) (SegmentRegister, error) {
	name = strings.ToLower(name)
	for i, n := range segmentNames {
		if n == name {
			return SegmentRegister(i), nil
		}
	}
	return 0, fmt.Errorf("unknown segment register %q", name)
}

// Register is a named register value, as returned by Registers. Registers
// wider than 64 bits have Bytes set instead of Value.
type Register struct {
	Name  string
	Group ContextFlags
	Value uint64
	Bytes []byte
}
