package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Lists cached keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, key := range appInstance.Keys() {
				if prefix != "" && !strings.HasPrefix(key, prefix) {
					continue
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list keys with this prefix, e.g. predlist:")
	return cmd
}
