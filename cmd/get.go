package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

type getOutput struct {
	Key       string           `json:"key"`
	Source    statcache.Source `json:"source"`
	FetchedAt string           `json:"fetched_at"`
	Data      json.RawMessage  `json:"data"`
}

func newGetCmd() *cobra.Command {
	var today bool
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Resolves one key, refreshing it if needed, and prints it as JSON",
		Example: `  statcache get predlist:2025-04-01
  statcache get --today`,
		Args: func(cmd *cobra.Command, args []string) error {
			if today {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var key string
			if today {
				key = statcache.TodayKey(statcache.KindPredictionList, nowFunc())
			} else {
				key = args[0]
			}
			entry, err := appInstance.Get(cmd.Context(), key)
			if err != nil {
				appInstance.Logger().Warn("get failed", zap.String("key", key), zap.Error(err))
				return fmt.Errorf("get %s: %w", key, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(getOutput{
				Key:       entry.Key,
				Source:    entry.Source,
				FetchedAt: entry.FetchedAt.UTC().Format(time.RFC3339),
				Data:      entry.Payload,
			})
		},
	}
	cmd.Flags().BoolVar(&today, "today", false, "resolve today's (KST) prediction list")
	return cmd
}
