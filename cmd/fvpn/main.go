package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "fvpn",
		Short:         "VPN fleet: host agent and central manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(agentCmd(), managerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fvpn:", err)
		os.Exit(1)
	}
}
