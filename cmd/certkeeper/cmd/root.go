package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "certkeeper",
	Short: "CertKeeper manages certificates with encrypted key custody",
	Long: `Certificate lifecycle management for an internal CA: CSR generation,
two-phase certificate upload, expiry tracking and backups, with every private
key encrypted under a master key that never touches disk in plaintext.
Complete documentation is available at https://github.com/jmcleod/certkeeper`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
