// Package cmd wires the inspector's CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for fortistate-inspector.
// When invoked without a subcommand, it delegates to "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "fortistate-inspector",
		Short: "Fortistate inspector — live state inspection server",
		Long:  "The inspector attaches to a reactive store and exposes snapshots, live change streams, presence, and role-gated mutation endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the inspector version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
