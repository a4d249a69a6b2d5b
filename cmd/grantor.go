package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/grantor/cmd/server"
)

var grantorCmd = &cobra.Command{
	Use:   "grantor",
	Short: "Grantor is a token issuance and validation service",
	Long: `Grantor issues, validates, refreshes and revokes access tokens for
registered clients. Credentials are verified against an external user
directory; token state lives in a pluggable storage backend.`,
}

func Execute() {
	if err := grantorCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	grantorCmd.AddCommand(server.ServerCmd)
}
