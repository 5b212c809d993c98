// Command remitctl is the operator CLI for a remitgate API server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	url    string
	output string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "remitctl",
		Short:         "Operate gates, remittances, receipts and signing keys",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("REMITGATE_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", defaultURL, "API base URL")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "Output format (yaml, json)")

	rootCmd.AddCommand(gateCmd(opts))
	rootCmd.AddCommand(remittanceCmd(opts))
	rootCmd.AddCommand(queueCmd(opts))
	rootCmd.AddCommand(receiptsCmd(opts))
	rootCmd.AddCommand(keysCmd(opts))
	return rootCmd
}
