package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "netsession",
	Short: "Session layer demos over QUIC or an in-memory datagram network.",
	Long: `netsession binds sockets through a session facade, exchanges messages with
chosen delivery guarantees and prints connection and message events.`,
	SilenceUsage: true,
}

func main() {
	addGlobalFlags(rootCmd)
	rootCmd.AddCommand(simpleCmd)
	rootCmd.AddCommand(multisocketCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
