// Package native attaches to a live Windows process and drives its threads
// through the Win32 thread API. On other platforms Attach fails with
// ErrNativeBackendDisabled.
package native
