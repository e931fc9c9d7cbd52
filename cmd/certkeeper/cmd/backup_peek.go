package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certkeeper/backup"
)

var peekJSON bool

var backupPeekCmd = &cobra.Command{
	Use:   "peek <file>",
	Short: "Summarize a backup file",
	Long: `Reads a .ckbackup file and prints what it contains: schema version,
certificate count, hostnames and whether the master key is embedded.
Nothing is restored or mutated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading backup: %w", err)
		}
		summary, err := backup.Summarize(filepath.Base(args[0]), data)
		if err != nil {
			return err
		}

		if peekJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		fmt.Printf("Backup:        %s\n", summary.Name)
		fmt.Printf("Schema:        v%d\n", summary.SchemaVersion)
		fmt.Printf("Created:       %s\n", summary.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("Kind:          %s\n", summary.Kind)
		if summary.CAName != "" {
			fmt.Printf("CA:            %s\n", summary.CAName)
		}
		fmt.Printf("Certificates:  %d\n", summary.CertificateCount)
		for _, hostname := range summary.Hostnames {
			fmt.Printf("  - %s\n", hostname)
		}
		if summary.HasEmbeddedKey {
			fmt.Println("Master key:    EMBEDDED (self-contained backup, protect this file)")
		} else {
			fmt.Println("Master key:    not embedded (original key needed after restore)")
		}
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupPeekCmd)
	backupPeekCmd.Flags().BoolVar(&peekJSON, "json", false, "Output as JSON")
}
