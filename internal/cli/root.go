// Package cli implements the gather command line interface.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/gathersocial/gather/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                 _   _\n" +
		"   __ _ __ _ ___| |_| |_  ___ _ _\n" +
		"  / _` / _` |_ _|  _|   \\/ -_) '_|\n" +
		"  \\__, \\__,_|___|\\__|_||_\\___|_|\n" +
		"  |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "gather",
	Short: "gather - decentralized gatherings client",
	Long:  color.CyanString(logo) + "\nA relay-backed client for publishing and following gatherings.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gather version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("gather", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(statusCmd)
}
