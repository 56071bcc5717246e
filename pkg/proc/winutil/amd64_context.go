package winutil

import (
	"fmt"
	"strings"
	"unsafe"
)

// AMD64SupportedGroups are the register groups the x64 CONTEXT has.
const AMD64SupportedGroups = ContextControl | ContextInteger | ContextSegments | ContextFloatingPoint | ContextDebugRegisters

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows on x64.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// NewAMD64CONTEXT allocates Windows CONTEXT structure aligned to 16 bytes.
func NewAMD64CONTEXT() *AMD64CONTEXT {
	var c *AMD64CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*AMD64CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

// Copy returns a copy of ctx that is guaranteed not to change.
func (ctx *AMD64CONTEXT) Copy() *AMD64CONTEXT {
	rr := NewAMD64CONTEXT()
	*rr = *ctx
	return rr
}

// SetFlags sets the requested register groups. Groups the x64 layout does
// not have are dropped.
func (ctx *AMD64CONTEXT) SetFlags(flags ContextFlags) {
	ctx.ContextFlags = contextAMD64 | uint32(flags&AMD64SupportedGroups)
}

// Flags returns the register groups requested for this context.
func (ctx *AMD64CONTEXT) Flags() ContextFlags {
	return ContextFlags(ctx.ContextFlags) & AMD64SupportedGroups
}

// SupportedGroups returns the groups the x64 layout has.
func (ctx *AMD64CONTEXT) SupportedGroups() ContextFlags {
	return AMD64SupportedGroups
}

// PC returns the RIP register.
func (ctx *AMD64CONTEXT) PC() uint64 {
	return ctx.Rip
}

func (ctx *AMD64CONTEXT) SetPC(pc uint64) {
	ctx.Rip = pc
}

// SP returns the RSP register.
func (ctx *AMD64CONTEXT) SP() uint64 {
	return ctx.Rsp
}

func (ctx *AMD64CONTEXT) SetSP(sp uint64) {
	ctx.Rsp = sp
}

// Segment returns the selector loaded in the given segment register.
func (ctx *AMD64CONTEXT) Segment(seg SegmentRegister) uint16 {
	switch seg {
	case SegCs:
		return ctx.SegCs
	case SegDs:
		return ctx.SegDs
	case SegEs:
		return ctx.SegEs
	case SegFs:
		return ctx.SegFs
	case SegGs:
		return ctx.SegGs
	case SegSs:
		return ctx.SegSs
	}
	return 0
}

// CopyGroups copies the register groups in flags from src into ctx,
// leaving every other field of ctx untouched.
func (ctx *AMD64CONTEXT) CopyGroups(src *AMD64CONTEXT, flags ContextFlags) {
	if flags&ContextControl != 0 {
		ctx.SegCs, ctx.SegSs = src.SegCs, src.SegSs
		ctx.EFlags = src.EFlags
		ctx.Rsp, ctx.Rip = src.Rsp, src.Rip
	}
	if flags&ContextInteger != 0 {
		ctx.Rax, ctx.Rcx, ctx.Rdx, ctx.Rbx = src.Rax, src.Rcx, src.Rdx, src.Rbx
		ctx.Rbp, ctx.Rsi, ctx.Rdi = src.Rbp, src.Rsi, src.Rdi
		ctx.R8, ctx.R9, ctx.R10, ctx.R11 = src.R8, src.R9, src.R10, src.R11
		ctx.R12, ctx.R13, ctx.R14, ctx.R15 = src.R12, src.R13, src.R14, src.R15
	}
	if flags&ContextSegments != 0 {
		ctx.SegDs, ctx.SegEs, ctx.SegFs, ctx.SegGs = src.SegDs, src.SegEs, src.SegFs, src.SegGs
	}
	if flags&ContextFloatingPoint != 0 {
		ctx.MxCsr = src.MxCsr
		ctx.FltSave = src.FltSave
	}
	if flags&ContextDebugRegisters != 0 {
		ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3 = src.Dr0, src.Dr1, src.Dr2, src.Dr3
		ctx.Dr6, ctx.Dr7 = src.Dr6, src.Dr7
	}
}

type amd64Reg struct {
	name  string
	group ContextFlags
	ptr   func(*AMD64CONTEXT) interface{}
}

var amd64Regs = []amd64Reg{
	{"Rip", ContextControl, func(c *AMD64CONTEXT) interface{} { return &c.Rip }},
	{"Rsp", ContextControl, func(c *AMD64CONTEXT) interface{} { return &c.Rsp }},
	{"Rflags", ContextControl, func(c *AMD64CONTEXT) interface{} { return &c.EFlags }},
	{"Cs", ContextControl, func(c *AMD64CONTEXT) interface{} { return &c.SegCs }},
	{"Ss", ContextControl, func(c *AMD64CONTEXT) interface{} { return &c.SegSs }},
	{"Rax", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rax }},
	{"Rbx", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rbx }},
	{"Rcx", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rcx }},
	{"Rdx", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rdx }},
	{"Rdi", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rdi }},
	{"Rsi", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rsi }},
	{"Rbp", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.Rbp }},
	{"R8", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R8 }},
	{"R9", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R9 }},
	{"R10", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R10 }},
	{"R11", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R11 }},
	{"R12", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R12 }},
	{"R13", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R13 }},
	{"R14", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R14 }},
	{"R15", ContextInteger, func(c *AMD64CONTEXT) interface{} { return &c.R15 }},
	{"Ds", ContextSegments, func(c *AMD64CONTEXT) interface{} { return &c.SegDs }},
	{"Es", ContextSegments, func(c *AMD64CONTEXT) interface{} { return &c.SegEs }},
	{"Fs", ContextSegments, func(c *AMD64CONTEXT) interface{} { return &c.SegFs }},
	{"Gs", ContextSegments, func(c *AMD64CONTEXT) interface{} { return &c.SegGs }},
	{"MXCSR", ContextFloatingPoint, func(c *AMD64CONTEXT) interface{} { return &c.MxCsr }},
	{"Dr0", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr0 }},
	{"Dr1", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr1 }},
	{"Dr2", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr2 }},
	{"Dr3", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr3 }},
	{"Dr6", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr6 }},
	{"Dr7", ContextDebugRegisters, func(c *AMD64CONTEXT) interface{} { return &c.Dr7 }},
}

// Registers returns the registers of the requested groups as a list of
// (name, value) pairs.
func (ctx *AMD64CONTEXT) Registers() []Register {
	flags := ctx.Flags()
	out := make([]Register, 0, len(amd64Regs)+16)
	for _, r := range amd64Regs {
		if flags&r.group == 0 {
			continue
		}
		out = append(out, Register{Name: r.name, Group: r.group, Value: loadRegister(r.ptr(ctx))})
	}
	if flags&ContextFloatingPoint != 0 {
		fs := &ctx.FltSave
		out = append(out,
			Register{Name: "CW", Group: ContextFloatingPoint, Value: uint64(fs.ControlWord)},
			Register{Name: "SW", Group: ContextFloatingPoint, Value: uint64(fs.StatusWord)},
			Register{Name: "TW", Group: ContextFloatingPoint, Value: uint64(fs.TagWord)})
		for i := 0; i < len(fs.XmmRegisters); i += 16 {
			out = append(out, Register{
				Name:  fmt.Sprintf("XMM%d", i/16),
				Group: ContextFloatingPoint,
				Bytes: append([]byte(nil), fs.XmmRegisters[i:i+16]...),
			})
		}
	}
	return out
}

// SetRegister changes the register called name. The register's group must
// be part of the requested flags, otherwise writing the context back would
// drop the change.
func (ctx *AMD64CONTEXT) SetRegister(name string, value uint64) error {
	for _, r := range amd64Regs {
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

func loadRegister(p interface{}) uint64 {
	switch p := p.(type) {
	case *uint64:
		return *p
	case *uint32:
		return uint64(*p)
	case *uint16:
		return uint64(*p)
	}
	return 0
}

func storeRegister(name string, p interface{}, value uint64) error {
	switch p := p.(type) {
	case *uint64:
		*p = value
	case *uint32:
		if value > 0xffffffff {
			return fmt.Errorf("value %#x does not fit in 32-bit register %s", value, name)
		}
		*p = uint32(value)
	case *uint16:
		if value > 0xffff {
			return fmt.Errorf("value %#x does not fit in 16-bit register %s", value, name)
		}
		*p = uint16(value)
	}
	return nil
}
