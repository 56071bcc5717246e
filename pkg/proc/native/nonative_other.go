//go:build !windows || !(386 || amd64)

package native

import (
	"errors"

	"github.com/go-delve/threadctl/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*proc.Process, error) {
	return nil, ErrNativeBackendDisabled
}
