package main

import (
	"fmt"
	"time"

	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/spf13/cobra"
)

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Manage configured usage points",
}

var pointsSyncCmd = &cobra.Command{
	Use:   "sync [file]",
	Short: "Create or update usage points from a YAML definitions file",
	Long: `Create or update usage points from a YAML definitions file shaped as

  myelectricaldata:
    "12345678901234":
      name: Home
      plan: HC/HP

The file defaults to METERING_POINTS_FILE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPointsSync,
}

var pointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List usage points and whether they may be fetched",
	Args:  cobra.NoArgs,
	RunE:  runPointsList,
}

func init() {
	pointsCmd.AddCommand(pointsSyncCmd)
	pointsCmd.AddCommand(pointsListCmd)
}

func runPointsSync(cmd *cobra.Command, args []string) error {
	path := current.cfg.MeteringPointsFile
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no file given and METERING_POINTS_FILE is not set")
	}

	points, err := config.LoadMeteringPoints(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, p := range points {
		mp, err := current.ledger.Sync(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to sync %s: %w", p.ID, err)
		}
		fmt.Printf("✓ %s %s (%s)\n", mp.ID, mp.Name, mp.Plan)
	}
	fmt.Printf("%d usage points synced\n", len(points))
	return nil
}

func runPointsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	points, err := current.ledger.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, mp := range points {
		eligibility, err := current.ledger.Eligible(ctx, mp.ID, now)
		if err != nil {
			return err
		}
		status := "eligible"
		if !eligibility.Allowed {
			status = eligibility.Reason
		}
		fmt.Printf("%s  %-20s  calls=%-4d  %s\n", mp.ID, mp.Name, mp.CallNumber, status)
	}
	return nil
}
