package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "geoexec",
	Short: "geoexec - asynchronous geospatial process execution service",
	Long: `geoexec runs catalogued processes synchronously or asynchronously,
tracks their status and enforces concurrency and time limits.

Configuration is read from an optional config file and GEOEXEC_ environment
variables. Limits in the config file are reloaded when the file changes.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML, TOML or JSON)")
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
