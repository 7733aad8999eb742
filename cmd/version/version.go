// Package versioncmder provides the version command.
package versioncmder

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/utils"
)

func NewVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the spool version",
		Long:  "Print the version, commit and build time of this spool binary.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.OutOrStdout(), short)
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version and abbreviated commit")

	return cmd
}

func run(w io.Writer, short bool) error {
	if short {
		_, err := fmt.Fprintln(w, utils.ShortVersion())
		return err
	}

	for _, kv := range [][2]string{
		{"Version", utils.Version},
		{"Sha", utils.Sha},
		{"Built at", utils.Buildtime},
	} {
		if _, err := fmt.Fprintln(w, cliui.KeyValue(kv[0], kv[1])); err != nil {
			return err
		}
	}
	return nil
}
