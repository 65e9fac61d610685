// Package cli wires the aura binary: hub and client daemons, certificate
// management and status inspection.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/AuraHome/aura/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"     _                   \n" +
		"    / \\  _   _ _ __ __ _ \n" +
		"   / _ \\| | | | '__/ _` |\n" +
		"  / ___ \\ |_| | | | (_| |\n" +
		" /_/   \\_\\__,_|_|  \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "aura",
	Short: "Aura - Home Automation Assistant",
	Long:  color.CyanString(logo) + "\nA secure distributed control plane for home and office automation.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
}
