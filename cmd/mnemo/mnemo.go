// Package mnemocmder
package mnemocmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/corridorhq/mnemo/cmd/mnemo/config"
	initcmder "github.com/corridorhq/mnemo/cmd/mnemo/init"
	servecmder "github.com/corridorhq/mnemo/cmd/mnemo/serve"
	versioncmder "github.com/corridorhq/mnemo/cmd/version"
)

const mnemoLongDesc string = `Mnemo is tiered conversational memory for your agents.

Run services using:
  mnemo serve          Run the memory engine API server

Manage configuration using:
  mnemo init           Initialize a local .mnemo/ directory
  mnemo config         Get, set, and list configuration values`

const mnemoShortDesc string = "Mnemo - Conversational Memory"

func NewMnemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnemo",
		Short: mnemoShortDesc,
		Long:  mnemoLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .mnemo/ config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
