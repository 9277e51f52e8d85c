package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/docluster/internal/telemetry"
)

var (
	version   = "0.4.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docluster",
		Short: "docluster: create, drive and tear down DigitalOcean droplet clusters",
		Long: "docluster manages droplets through doctl and fans commands and file transfers out\n" +
			"across every member of a cluster, reporting per-droplet results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/docluster/config.yaml)")
	cmd.PersistentFlags().Int("concurrency", 0, "maximum concurrent droplet operations (default from config)")
	cmd.PersistentFlags().Bool("skip-catalog", false, "do not validate size, image and region against the built-in catalog")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		level, _ := c.Flags().GetString("log")
		telemetry.SetupLogger(os.Stderr, level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newAuthCmd())
	cmd.AddCommand(newImagesCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExecCmd())
	cmd.AddCommand(newScpCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docluster %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Main entry point
func main() {
	telemetry.SetupLogger(os.Stderr, "info")
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
