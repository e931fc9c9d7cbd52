package cmd

import "github.com/spf13/cobra"

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup inspection tools",
	Long:  `Commands for inspecting certkeeper backup files without a running server.`,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}
