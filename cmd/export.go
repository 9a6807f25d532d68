package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export destination",
		Short: "Writes the cached keyspace as a snapshot document",
		Long: `Publishes the local cache so cache-only instances can consume it as
remote.snapshot_url. The destination is a local path or a gs://bucket/object URI.`,
		Example: `  statcache export ./snapshot.json
  statcache export gs://my-bucket/statiz/snapshot.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			location, n, err := appInstance.ExportSnapshot(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("export snapshot: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d keys to %s\n", n, location)
			return err
		},
	}
}
