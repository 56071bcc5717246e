package main

import (
	"os"

	"github.com/go-delve/threadctl/cmd/threadctl/cmds"
	"github.com/go-delve/threadctl/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.ThreadctlVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
