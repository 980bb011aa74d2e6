package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/tally/version"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{annotationNoServices: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return printer.Print(version.Get())
	},
}
