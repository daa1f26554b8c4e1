// Command erezeptd drives electronic prescriptions through the backend task
// lifecycle.
//
// The serve command runs the lifecycle facade; flow runs one prescription
// through a running facade and prints the phase results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set by the linker
var (
	version = "dev"
	commit  = "none"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "erezeptd",
		Short:         "Electronic prescription lifecycle facade",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newFlowCommand(), newVersionCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "erezeptd: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "erezeptd %s (%s)\n", version, commit)
		},
	}
}
