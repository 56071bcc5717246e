package winutil

// TebLayout describes where the fields read by the TEB view live inside the
// thread environment block of one architecture.
type TebLayout struct {
	PointerSize int

	ExceptionList  uint64
	StackBase      uint64
	StackLimit     uint64
	Self           uint64
	ClientID       uint64 // UniqueProcess, followed by UniqueThread
	Peb            uint64
	LastErrorValue uint64

	TlsSlots     uint64
	TlsSlotCount int
}

// TlsSlotCount is the number of TLS slots stored inline in the TEB.
const TlsSlotCount = 64

// I386Teb is the layout of the 32-bit TEB.
var I386Teb = TebLayout{
	PointerSize:    4,
	ExceptionList:  0x00,
	StackBase:      0x04,
	StackLimit:     0x08,
	Self:           0x18,
	ClientID:       0x20,
	Peb:            0x30,
	LastErrorValue: 0x34,
	TlsSlots:       0xe10,
	TlsSlotCount:   TlsSlotCount,
}

// AMD64Teb is the layout of the 64-bit TEB.
var AMD64Teb = TebLayout{
	PointerSize:    8,
	ExceptionList:  0x00,
	StackBase:      0x08,
	StackLimit:     0x10,
	Self:           0x30,
	ClientID:       0x40,
	Peb:            0x60,
	LastErrorValue: 0x68,
	TlsSlots:       0x1480,
	TlsSlotCount:   TlsSlotCount,
}

// TlsSlotAddr returns the address of TLS slot i for a TEB at base.
func (l TebLayout) TlsSlotAddr(base uint64, i int) uint64 {
	return base + l.TlsSlots + uint64(i*l.PointerSize)
}

// Size returns the number of bytes covered by the fields of the layout.
func (l TebLayout) Size() uint64 {
	return l.TlsSlots + uint64(l.TlsSlotCount*l.PointerSize)
}
