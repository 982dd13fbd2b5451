package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Autonomous operations pipeline for a managed network device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $AUTOPILOT_CONFIG)")

	root.AddCommand(
		newServeCmd(&configPath),
		newCronCmd(),
		newAuditCmd(&configPath),
	)
	return root
}
