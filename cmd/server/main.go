package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "leafdoc",
		Short:         "Leaf disease diagnosis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./config.yaml)")

	rootCmd.AddCommand(
		serveCommand(&configPath),
		predictCommand(&configPath),
		tokenCommand(&configPath),
		importCommand(&configPath),
	)
	return rootCmd
}
