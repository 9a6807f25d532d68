package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWarmCmd() *cobra.Command {
	var (
		parallelism int
		seed        bool
	)
	cmd := &cobra.Command{
		Use:   "warm key [key...]",
		Short: "Refreshes the given keys once with bounded parallelism",
		Long: `Resolves every key through the normal lookup path so fresh entries are
left alone and expired ones are refreshed. With --seed, configured
snapshots are loaded and cache.warm_keys is warmed before the given keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if seed {
				appInstance.Startup(cmd.Context())
			}
			if len(args) == 0 {
				if seed {
					return nil
				}
				return fmt.Errorf("at least one key is required")
			}
			failed := 0
			for _, res := range appInstance.Warm(cmd.Context(), args, parallelism) {
				if res.Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed\t%v\n", res.Key, res.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.Key, res.Source)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d keys failed to warm", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent refreshes (default cache.warm_parallelism)")
	cmd.Flags().BoolVar(&seed, "seed", false, "seed from snapshots and warm cache.warm_keys first")
	return cmd
}
