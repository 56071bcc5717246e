package helphelpers

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func newTree() (*cobra.Command, *cobra.Command, *cobra.Command) {
	root := &cobra.Command{Use: "threadctl"}
	root.PersistentFlags().Bool("log", false, "")
	root.PersistentFlags().String("config", "", "")
	version := &cobra.Command{Use: "version", Run: func(*cobra.Command, []string) {}}
	version.Flags().Bool("verbose", false, "")
	threads := &cobra.Command{Use: "threads", Run: func(*cobra.Command, []string) {}}
	root.AddCommand(version, threads)
	return root, version, threads
}

func TestPrepareVersion(t *testing.T) {
	root, version, _ := newTree()
	Prepare(version)
	assert.True(t, root.PersistentFlags().Lookup("config").Hidden)
	assert.True(t, root.PersistentFlags().Lookup("log").Hidden)
	assert.False(t, version.Flags().Lookup("verbose").Hidden)
}

func TestPrepareKeepsAttachingCommands(t *testing.T) {
	root, _, threads := newTree()
	Prepare(threads)
	assert.False(t, root.PersistentFlags().Lookup("config").Hidden)
}
