package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	logo    = `
    _    ____  __  __ ____    _   _       _
   / \  |  _ \|  \/  |  _ \  | | | |_   _| |__
  / _ \ | | | | |\/| | |_) | | |_| | | | | '_ \
 / ___ \| |_| | |  | |  __/  |  _  | |_| | |_) |
/_/   \_\____/|_|  |_|_|     |_| |_|\__,_|_.__/
`
)

var rootCmd = &cobra.Command{
	Use:   "admp-hubd",
	Short: "ADMP hub — durable authenticated inboxes for autonomous agents",
	Long:  color.CyanString(logo) + "\nThe Agent Dispatch Messaging Protocol hub.",
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
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the admp-hubd version",
	Run: func(cmd *cobra.Command, args []string) {
		color.Green("admp-hubd %s", version)
	},
}
