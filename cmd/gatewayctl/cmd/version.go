package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set at build time via -ldflags "-X github.com/gatewayclient/transport/cmd/gatewayctl/cmd.gatewayctlVersion=x.y.z"
var gatewayctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the gatewayctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "gatewayctl version %s\n", gatewayctlVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
