package main

import (
	"fmt"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/internal/reconcile"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Compare the cache with a date range",
}

var scanDailyCmd = &cobra.Command{
	Use:     "daily <usage-point-id> <direction> <begin> <end>",
	Short:   "List the status of every day in [begin, end]",
	Example: "  meterctl scan daily 12345678901234 consumption 2024-01-01 2024-01-31",
	Args:    cobra.ExactArgs(4),
	RunE:    runScanDaily,
}

var scanDetailCmd = &cobra.Command{
	Use:     "detail <usage-point-id> <direction> <begin> <end>",
	Short:   "Report the interval coverage strictly between begin and end",
	Example: "  meterctl scan detail 12345678901234 production 2024-01-01 2024-01-08",
	Args:    cobra.ExactArgs(4),
	RunE:    runScanDetail,
}

var scanGapCmd = &cobra.Command{
	Use:   "gap <usage-point-id> <resolution> <direction>",
	Short: "Show the most recent missing day within the look-back horizon",
	Args:  cobra.ExactArgs(3),
	RunE:  runScanGap,
}

func init() {
	scanDailyCmd.Flags().Bool("missing", false, "Only print absent days")

	scanCmd.AddCommand(scanDailyCmd)
	scanCmd.AddCommand(scanDetailCmd)
	scanCmd.AddCommand(scanGapCmd)
}

// rangeArgs parses <usage-point-id> <direction> <begin> <end>
func rangeArgs(args []string) (string, db.Direction, time.Time, time.Time, error) {
	id := args[0]
	if err := identity.ValidateUsagePointID(id); err != nil {
		return "", "", time.Time{}, time.Time{}, err
	}
	series, err := db.ParseSeries(string(db.Daily), args[1])
	if err != nil {
		return "", "", time.Time{}, time.Time{}, err
	}
	begin, err := timeparser.ParseProviderDate(args[2])
	if err != nil {
		return "", "", time.Time{}, time.Time{}, err
	}
	end, err := timeparser.ParseProviderDate(args[3])
	if err != nil {
		return "", "", time.Time{}, time.Time{}, err
	}
	return id, series.Direction, begin, end, nil
}

func runScanDaily(cmd *cobra.Command, args []string) error {
	id, direction, begin, end, err := rangeArgs(args)
	if err != nil {
		return err
	}
	onlyMissing, _ := cmd.Flags().GetBool("missing")

	scan, err := current.reconciler.ScanDaily(cmd.Context(), id, begin, end, direction)
	if err != nil {
		return err
	}

	absent := 0
	for _, d := range scan.Days {
		if d.Status == reconcile.StatusAbsent {
			absent++
		} else if onlyMissing {
			continue
		}
		flags := ""
		if d.Blacklist {
			flags = " blacklisted"
		} else if d.FailCount > 0 {
			flags = fmt.Sprintf(" failed %dx", d.FailCount)
		}
		fmt.Printf("%s  %-7s  %8d Wh%s\n", d.Date.Format("2006-01-02"), d.Status, d.Value, flags)
	}
	fmt.Printf("\n%d days, %d absent, missing data: %t\n", scan.Count, absent, scan.MissingData)
	return nil
}

func runScanDetail(cmd *cobra.Command, args []string) error {
	id, direction, begin, end, err := rangeArgs(args)
	if err != nil {
		return err
	}

	scan, err := current.reconciler.ScanDetail(cmd.Context(), id, begin, end, direction)
	if err != nil {
		return err
	}

	fmt.Printf("expected: %d min\n", scan.ExpectedMinutes)
	fmt.Printf("covered:  %d min\n", scan.CoveredMinutes)
	fmt.Printf("missing data: %t\n", scan.MissingData)
	if !scan.MissingData {
		totals := reconcile.FoldMeasureTypes(scan)
		fmt.Printf("HC: %d Wh  HP: %d Wh  (%d intervals)\n",
			totals.ByType[db.OffPeak], totals.ByType[db.Peak], len(scan.Intervals))
	}
	return nil
}

func runScanGap(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := identity.ValidateUsagePointID(id); err != nil {
		return err
	}
	series, err := db.ParseSeries(args[1], args[2])
	if err != nil {
		return err
	}

	gap, found, err := current.reconciler.FirstGap(cmd.Context(), id, series, time.Now())
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("no gap in the last %d days\n", current.cfg.Cache.LookbackDays)
		return nil
	}
	fmt.Println(gap.Format("2006-01-02"))
	return nil
}
