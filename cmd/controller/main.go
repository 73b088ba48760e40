package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loadgate/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "loadgate",
	Short:         "Load-test task controller",
	Long:          `loadgate accepts load-test requests, gates them behind admin approval and runs them inside their execution window.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config YAML (env overrides still apply)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
