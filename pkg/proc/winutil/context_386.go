//go:build 386

package winutil

// CONTEXT is the thread context layout of the build architecture.
type CONTEXT = I386CONTEXT

// Teb is the TEB layout of the build architecture.
var Teb = I386Teb

// Is64Bit reports whether the build layout is the x64 one.
const Is64Bit = false

// NewCONTEXT allocates a CONTEXT requesting the given register groups.
func NewCONTEXT(flags ContextFlags) *CONTEXT {
	ctx := NewI386CONTEXT()
	ctx.SetFlags(flags)
	return ctx
}
