// Command pml is the Procedural Memory Layer's CLI: an MCP-protocol agent
// gateway that can run as a long-lived stdio subprocess or as an HTTP
// server, per spec.md §6.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var workspaceFlag string

// shutdownTimeout bounds how long App.Close waits for in-flight trace
// flushes and MCP subprocess teardown before giving up.
const shutdownTimeout = 10 * time.Second

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pml",
		Short:         "Procedural Memory Layer agent gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&workspaceFlag, "workspace", ".", "workspace directory (overrides PML_WORKSPACE)")
	root.AddCommand(newStdioCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newInitCommand())
	return root
}

// resolveWorkspace honors the --workspace flag, then PML_WORKSPACE, then
// the current directory.
func resolveWorkspace() string {
	if workspaceFlag != "" && workspaceFlag != "." {
		return workspaceFlag
	}
	if ws := os.Getenv("PML_WORKSPACE"); ws != "" {
		return ws
	}
	return "."
}
