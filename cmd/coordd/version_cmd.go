package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/coordd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion, onlySemver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the coordd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case onlySemver:
				_, err := fmt.Fprintln(out, version.CurrentSemver())
				return err
			case onlyVersion:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version string")
	cmd.Flags().BoolVar(&onlySemver, "semver", false, "print only the semantic version (without a leading v)")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
