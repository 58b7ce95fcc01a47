package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the ingestion lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether an ingestion cycle holds the lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		locked, err := current.ledger.Locked(cmd.Context())
		if err != nil {
			return err
		}
		if locked {
			fmt.Println("locked")
		} else {
			fmt.Println("free")
		}
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Force the lock free after a crashed worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.ledger.Release(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ ingestion lock released")
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
}
