package main

import (
	"fmt"

	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <usage-point-id>",
	Short: "Delete every cached record of a usage point",
	Long: `Delete every cached record of a usage point across the four series.
The ledger row of the usage point is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := identity.ValidateUsagePointID(id); err != nil {
			return err
		}

		ctx := cmd.Context()
		return withLock(ctx, func() error {
			n, err := current.repo.PurgeUsagePoint(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %d records deleted for %s\n", n, id)
			return nil
		})
	},
}
