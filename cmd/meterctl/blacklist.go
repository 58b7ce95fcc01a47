package main

import (
	"fmt"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"github.com/spf13/cobra"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage blacklisted records",
	Long: `Blacklisted records are never fetched again. A record reaches this
state on its own after too many failed imports; these commands let an
operator force or lift it.`,
}

var blacklistSetCmd = &cobra.Command{
	Use:     "set <usage-point-id> <resolution> <direction> <date>",
	Short:   "Blacklist a record",
	Example: "  meterctl blacklist set 12345678901234 daily consumption 2024-01-02",
	Args:    cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBlacklist(cmd, args, true)
	},
}

var blacklistClearCmd = &cobra.Command{
	Use:     "clear <usage-point-id> <resolution> <direction> <date>",
	Short:   "Lift the blacklist of a record",
	Example: "  meterctl blacklist clear 12345678901234 detail production \"2024-01-02 10:30:00\"",
	Args:    cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBlacklist(cmd, args, false)
	},
}

func init() {
	blacklistCmd.AddCommand(blacklistSetCmd)
	blacklistCmd.AddCommand(blacklistClearCmd)
}

// recordArgs parses <usage-point-id> <resolution> <direction> <date>
func recordArgs(args []string) (string, db.Series, string, error) {
	id := args[0]
	if err := identity.ValidateUsagePointID(id); err != nil {
		return "", db.Series{}, "", err
	}
	series, err := db.ParseSeries(args[1], args[2])
	if err != nil {
		return "", db.Series{}, "", err
	}
	return id, series, args[3], nil
}

func runBlacklist(cmd *cobra.Command, args []string, flag bool) error {
	id, series, rawDate, err := recordArgs(args)
	if err != nil {
		return err
	}
	at, err := timeparser.ParseProviderDate(rawDate)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return withLock(ctx, func() error {
		if flag {
			if err := current.recorder.Blacklist(ctx, id, series, at); err != nil {
				return err
			}
			fmt.Printf("✓ %s %s %s blacklisted\n", id, series, at.Format("2006-01-02 15:04:05"))
			return nil
		}
		if err := current.recorder.Unblacklist(ctx, id, series, at); err != nil {
			return err
		}
		fmt.Printf("✓ %s %s %s no longer blacklisted\n", id, series, at.Format("2006-01-02 15:04:05"))
		return nil
	})
}
