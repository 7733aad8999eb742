// Package spoolcmder
package spoolcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/spool/cmd/spool/config"
	initcmder "github.com/papercomputeco/spool/cmd/spool/init"
	servecmder "github.com/papercomputeco/spool/cmd/spool/serve"
	tailcmder "github.com/papercomputeco/spool/cmd/spool/tail"
	versioncmder "github.com/papercomputeco/spool/cmd/version"
)

const spoolLongDesc string = `Spool ingests realtime output streams and relays them to live readers.

Producers post stream output over HTTP; readers follow the same stream as
Server-Sent-Events and can resume after a disconnect.

Commands:
  spool serve                   Run the stream server
  spool tail <run> <stream>     Follow a stream from a running server
  spool init                    Initialize a local .spool/ directory
  spool config                  Manage persistent configuration`

const spoolShortDesc string = "Spool - realtime stream relay"

func NewSpoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spool",
		Short:         spoolShortDesc,
		Long:          spoolLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .spool/ directory holding config.toml")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(tailcmder.NewTailCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
