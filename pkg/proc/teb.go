package proc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-delve/threadctl/pkg/logflags"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

// TebView is a typed view over the thread environment block of a thread.
// Reads and writes go through the memory accessor of the backend, the TEB
// address is resolved on first use and cached.
type TebView struct {
	thread *Thread
	layout winutil.TebLayout

	mu   sync.Mutex
	base uint64

	log logflags.Logger
}

func newTebView(t *Thread) *TebView {
	return &TebView{
		thread: t,
		layout: winutil.Teb,
		log:    logflags.TebLogger().WithField("tid", t.ID),
	}
}

// Layout returns the field offsets used by the view.
func (v *TebView) Layout() winutil.TebLayout {
	return v.layout
}

// Base returns the address of the TEB in the target process.
func (v *TebView) Base() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.base != 0 {
		return v.base, nil
	}
	t := v.thread
	if err := t.checkOpen("NtQueryInformationThread"); err != nil {
		return 0, err
	}
	base, err := t.backend.ThreadTebAddress(t.handle)
	if err != nil {
		return 0, &ThreadAccessError{TID: t.ID, Op: "NtQueryInformationThread", Err: err}
	}
	if base == 0 {
		return 0, &ThreadAccessError{TID: t.ID, Op: "NtQueryInformationThread", Err: ErrNoTeb}
	}
	v.base = base
	if logflags.Teb() {
		v.log.Debugf("teb at %#x", base)
	}
	return base, nil
}

func (v *TebView) read(off uint64, size int) ([]byte, error) {
	base, err := v.Base()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := v.thread.backend.ReadMemory(buf, base+off)
	if err != nil {
		return nil, &ThreadAccessError{TID: v.thread.ID, Op: "ReadProcessMemory", Err: err}
	}
	if n != size {
		return nil, &ThreadAccessError{TID: v.thread.ID, Op: "ReadProcessMemory", Err: fmt.Errorf("%w: %d of %d bytes at %#x", ErrShortAccess, n, size, base+off)}
	}
	return buf, nil
}

func (v *TebView) write(off uint64, data []byte) error {
	base, err := v.Base()
	if err != nil {
		return err
	}
	n, err := v.thread.backend.WriteMemory(base+off, data)
	if err != nil {
		return &ThreadAccessError{TID: v.thread.ID, Op: "WriteProcessMemory", Err: err}
	}
	if n != len(data) {
		return &ThreadAccessError{TID: v.thread.ID, Op: "WriteProcessMemory", Err: fmt.Errorf("%w: %d of %d bytes at %#x", ErrShortAccess, n, len(data), base+off)}
	}
	if logflags.Teb() {
		v.log.Debugf("wrote %d bytes at teb+%#x", len(data), off)
	}
	return nil
}

func (v *TebView) decode(buf []byte) uint64 {
	if v.layout.PointerSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}

func (v *TebView) encode(buf []byte, val uint64) {
	if v.layout.PointerSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
		return
	}
	binary.LittleEndian.PutUint64(buf, val)
}

func (v *TebView) checkPointers(op string, vals []uint64) error {
	if v.layout.PointerSize == 8 {
		return nil
	}
	for i, val := range vals {
		if val>>32 != 0 {
			return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf("value %#x at index %d does not fit in a 32-bit slot", val, i)}
		}
	}
	return nil
}

func (v *TebView) pointerAt(off uint64) (uint64, error) {
	buf, err := v.read(off, v.layout.PointerSize)
	if err != nil {
		return 0, err
	}
	return v.decode(buf), nil
}

// TlsSlots returns all the TLS slots stored inline in the TEB.
func (v *TebView) TlsSlots() ([]uint64, error) {
	sz := v.layout.PointerSize
	buf, err := v.read(v.layout.TlsSlots, v.layout.TlsSlotCount*sz)
	if err != nil {
		return nil, err
	}
	slots := make([]uint64, v.layout.TlsSlotCount)
	for i := range slots {
		slots[i] = v.decode(buf[i*sz:])
	}
	return slots, nil
}

func (v *TebView) checkIndex(op string, i int) error {
	if i < 0 || i >= v.layout.TlsSlotCount {
		return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf("TLS slot index %d out of range [0, %d)", i, v.layout.TlsSlotCount)}
	}
	return nil
}

// TlsSlot returns TLS slot i.
func (v *TebView) TlsSlot(i int) (uint64, error) {
	if err := v.checkIndex("TlsSlot", i); err != nil {
		return 0, err
	}
	return v.pointerAt(v.layout.TlsSlots + uint64(i*v.layout.PointerSize))
}

// SetTlsSlot writes val into TLS slot i.
func (v *TebView) SetTlsSlot(i int, val uint64) error {
	if err := v.checkIndex("SetTlsSlot", i); err != nil {
		return err
	}
	return v.WriteTlsSlots(i, []uint64{val})
}

// SetTlsSlots replaces the whole TLS slot array. vals must hold exactly
// winutil.TlsSlotCount values.
func (v *TebView) SetTlsSlots(vals []uint64) error {
	if len(vals) != v.layout.TlsSlotCount {
		return &InvalidArgumentError{Op: "SetTlsSlots", Reason: fmt.Sprintf("got %d values for %d TLS slots", len(vals), v.layout.TlsSlotCount)}
	}
	return v.WriteTlsSlots(0, vals)
}

// WriteTlsSlots writes vals into the TLS slots starting at index start. The
// whole range must fall inside the slot array, nothing is written otherwise.
func (v *TebView) WriteTlsSlots(start int, vals []uint64) error {
	const op = "WriteTlsSlots"
	if start < 0 || start > v.layout.TlsSlotCount || len(vals) > v.layout.TlsSlotCount-start {
		return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf("%d values at index %d overflow %d TLS slots", len(vals), start, v.layout.TlsSlotCount)}
	}
	if len(vals) == 0 {
		return nil
	}
	if err := v.checkPointers(op, vals); err != nil {
		return err
	}
	sz := v.layout.PointerSize
	buf := make([]byte, len(vals)*sz)
	for i, val := range vals {
		v.encode(buf[i*sz:], val)
	}
	return v.write(v.layout.TlsSlots+uint64(start*sz), buf)
}

// ExceptionList returns the head of the structured exception handler chain.
func (v *TebView) ExceptionList() (uint64, error) {
	return v.pointerAt(v.layout.ExceptionList)
}

// StackBase returns the upper bound of the thread stack.
func (v *TebView) StackBase() (uint64, error) {
	return v.pointerAt(v.layout.StackBase)
}

// StackLimit returns the lower bound of the committed thread stack.
func (v *TebView) StackLimit() (uint64, error) {
	return v.pointerAt(v.layout.StackLimit)
}

// Self returns the linear address of the TEB as stored in the TEB itself.
func (v *TebView) Self() (uint64, error) {
	return v.pointerAt(v.layout.Self)
}

// Peb returns the address of the process environment block.
func (v *TebView) Peb() (uint64, error) {
	return v.pointerAt(v.layout.Peb)
}

// ClientID returns the process and thread ids stored in the TEB.
func (v *TebView) ClientID() (pid, tid uint64, err error) {
	sz := v.layout.PointerSize
	buf, err := v.read(v.layout.ClientID, 2*sz)
	if err != nil {
		return 0, 0, err
	}
	return v.decode(buf), v.decode(buf[sz:]), nil
}

// LastErrorValue returns the thread's last Win32 error code.
func (v *TebView) LastErrorValue() (uint32, error) {
	buf, err := v.read(v.layout.LastErrorValue, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// TebInfo is a snapshot of the TEB header fields.
type TebInfo struct {
	Base          uint64
	ExceptionList uint64
	StackBase     uint64
	StackLimit    uint64
	Self          uint64
	Pid, Tid      uint64
	Peb           uint64
	LastError     uint32
}

// Info reads the TEB header fields in one pass.
func (v *TebView) Info() (TebInfo, error) {
	var info TebInfo
	base, err := v.Base()
	if err != nil {
		return info, err
	}
	info.Base = base
	if info.ExceptionList, err = v.ExceptionList(); err != nil {
		return info, err
	}
	if info.StackBase, err = v.StackBase(); err != nil {
		return info, err
	}
	if info.StackLimit, err = v.StackLimit(); err != nil {
		return info, err
	}
	if info.Self, err = v.Self(); err != nil {
		return info, err
	}
	if info.Pid, info.Tid, err = v.ClientID(); err != nil {
		return info, err
	}
	if info.Peb, err = v.Peb(); err != nil {
		return info, err
	}
	info.LastError, err = v.LastErrorValue()
	return info, err
}
