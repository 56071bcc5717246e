package winutil

import (
	"fmt"
	"strings"
)

// I386SupportedGroups are the register groups the x86 CONTEXT has.
const I386SupportedGroups = ContextAll

// FLOATING_SAVE_AREA tracks the _FLOATING_SAVE_AREA windows struct.
type FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// I386CONTEXT tracks the _CONTEXT of windows on x86.
type I386CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

// NewI386CONTEXT allocates a Windows x86 CONTEXT structure.
func NewI386CONTEXT() *I386CONTEXT {
	return new(I386CONTEXT)
}

// Copy returns a copy of ctx that is guaranteed not to change.
func (ctx *I386CONTEXT) Copy() *I386CONTEXT {
	rr := *ctx
	return &rr
}

func (ctx *I386CONTEXT) SetFlags(flags ContextFlags) {
	ctx.ContextFlags = contextI386 | uint32(flags&I386SupportedGroups)
}

func (ctx *I386CONTEXT) Flags() ContextFlags {
	return ContextFlags(ctx.ContextFlags) & I386SupportedGroups
}

func (ctx *I386CONTEXT) SupportedGroups() ContextFlags {
	return I386SupportedGroups
}

// PC returns the EIP register.
func (ctx *I386CONTEXT) PC() uint64 {
	return uint64(ctx.Eip)
}

// SetPC sets EIP, discarding the upper 32 bits of pc.
func (ctx *I386CONTEXT) SetPC(pc uint64) {
	ctx.Eip = uint32(pc)
}

// SP returns the ESP register.
func (ctx *I386CONTEXT) SP() uint64 {
	return uint64(ctx.Esp)
}

func (ctx *I386CONTEXT) SetSP(sp uint64) {
	ctx.Esp = uint32(sp)
}

func (ctx *I386CONTEXT) Segment(seg SegmentRegister) uint16 {
	switch seg {
	case SegCs:
		return uint16(ctx.SegCs)
	case SegDs:
		return uint16(ctx.SegDs)
	case SegEs:
		return uint16(ctx.SegEs)
	case SegFs:
		return uint16(ctx.SegFs)
	case SegGs:
		return uint16(ctx.SegGs)
	case SegSs:
		return uint16(ctx.SegSs)
	}
	return 0
}

// CopyGroups copies the register groups in flags from src into ctx,
// leaving every other field of ctx untouched.
func (ctx *I386CONTEXT) CopyGroups(src *I386CONTEXT, flags ContextFlags) {
	if flags&ContextControl != 0 {
		ctx.Ebp, ctx.Eip, ctx.Esp = src.Ebp, src.Eip, src.Esp
		ctx.SegCs, ctx.SegSs = src.SegCs, src.SegSs
		ctx.EFlags = src.EFlags
	}
	if flags&ContextInteger != 0 {
		ctx.Edi, ctx.Esi, ctx.Ebx = src.Edi, src.Esi, src.Ebx
		ctx.Edx, ctx.Ecx, ctx.Eax = src.Edx, src.Ecx, src.Eax
	}
	if flags&ContextSegments != 0 {
		ctx.SegGs, ctx.SegFs, ctx.SegEs, ctx.SegDs = src.SegGs, src.SegFs, src.SegEs, src.SegDs
	}
	if flags&ContextFloatingPoint != 0 {
		ctx.FloatSave = src.FloatSave
	}
	if flags&ContextDebugRegisters != 0 {
		ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3 = src.Dr0, src.Dr1, src.Dr2, src.Dr3
		ctx.Dr6, ctx.Dr7 = src.Dr6, src.Dr7
	}
	if flags&ContextExtendedRegisters != 0 {
		ctx.ExtendedRegisters = src.ExtendedRegisters
	}
}

type i386Reg struct {
	name  string
	group ContextFlags
	ptr   func(*I386CONTEXT) *uint32
}

var i386Regs = []i386Reg{
	{"Eip", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.Eip }},
	{"Esp", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.Esp }},
	{"Ebp", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.Ebp }},
	{"Eflags", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.EFlags }},
	{"Cs", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.SegCs }},
	{"Ss", ContextControl, func(c *I386CONTEXT) *uint32 { return &c.SegSs }},
	{"Eax", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Eax }},
	{"Ebx", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Ebx }},
	{"Ecx", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Ecx }},
	{"Edx", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Edx }},
	{"Edi", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Edi }},
	{"Esi", ContextInteger, func(c *I386CONTEXT) *uint32 { return &c.Esi }},
	{"Ds", ContextSegments, func(c *I386CONTEXT) *uint32 { return &c.SegDs }},
	{"Es", ContextSegments, func(c *I386CONTEXT) *uint32 { return &c.SegEs }},
	{"Fs", ContextSegments, func(c *I386CONTEXT) *uint32 { return &c.SegFs }},
	{"Gs", ContextSegments, func(c *I386CONTEXT) *uint32 { return &c.SegGs }},
	{"CW", ContextFloatingPoint, func(c *I386CONTEXT) *uint32 { return &c.FloatSave.ControlWord }},
	{"SW", ContextFloatingPoint, func(c *I386CONTEXT) *uint32 { return &c.FloatSave.StatusWord }},
	{"TW", ContextFloatingPoint, func(c *I386CONTEXT) *uint32 { return &c.FloatSave.TagWord }},
	{"Dr0", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr0 }},
	{"Dr1", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr1 }},
	{"Dr2", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr2 }},
	{"Dr3", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr3 }},
	{"Dr6", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr6 }},
	{"Dr7", ContextDebugRegisters, func(c *I386CONTEXT) *uint32 { return &c.Dr7 }},
}

func (ctx *I386CONTEXT) Registers() []Register {
	flags := ctx.Flags()
	out := make([]Register, 0, len(i386Regs)+8)
	for _, r := range i386Regs {
		if flags&r.group != 0 {
			out = append(out, Register{Name: r.name, Group: r.group, Value: uint64(*r.ptr(ctx))})
		}
	}
	if flags&ContextFloatingPoint != 0 {
		for i := 0; i < 8; i++ {
			out = append(out, Register{
				Name:  fmt.Sprintf("ST(%d)", i),
				Group: ContextFloatingPoint,
				Bytes: append([]byte(nil), ctx.FloatSave.RegisterArea[i*10:i*10+10]...),
			})
		}
	}
	return out
}

func (ctx *I386CONTEXT) SetRegister(name string, value uint64) error {
	for _, r := range i386Regs {
		if !strings.EqualFold(r.name, name) {
			continue
		}
		if ctx.Flags()&r.group == 0 {
			return fmt.Errorf("register %s belongs to group %s, which is not requested", r.name, r.group)
		}
		return storeRegister(r.name, r.ptr(ctx), value)
	}
	return fmt.Errorf("can not set register %s", name)
}
