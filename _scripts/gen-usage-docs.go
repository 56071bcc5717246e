//go:build ignore

// gen-usage-docs writes the markdown usage pages of the threadctl command
// tree.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra/doc"

	"github.com/go-delve/threadctl/cmd/threadctl/cmds"
	"github.com/go-delve/threadctl/cmd/threadctl/cmds/helphelpers"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}

	root := cmds.New()
	var cmdnames []string
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}
	// Prepare is destructive, every page gets a fresh tree.
	for _, cmdname := range cmdnames {
		cmd, _, err := cmds.New().Find([]string{cmdname})
		if err != nil {
			log.Fatal(err)
		}
		helphelpers.Prepare(cmd)
		if err := doc.GenMarkdownTree(cmd, usageDir); err != nil {
			log.Fatal(err)
		}
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "threadctl.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to threadctl.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [threadctl log](threadctl_log.md)\t - Help about logging flags")
}
