package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cliContext struct {
	ConfigPath string
	Addr       string
}

var rootCmd = &cobra.Command{
	Use:   "sharedlog [command]",
	Short: "replicated causal append-only log",
	Long: `
	Runs a sharedlog peer and talks to running peers over their HTTP API.
	`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cliContext.ConfigPath, "config", "config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&cliContext.Addr, "addr", "http://localhost:8080", "HTTP address of a running peer")
	rootCmd.AddCommand(serveCmd, demoCmd)
	rootCmd.AddCommand(clientCmds...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
