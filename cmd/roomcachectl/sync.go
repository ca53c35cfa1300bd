package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/roomcache/pkg/health"
	"github.com/lrhodin/roomcache/pkg/syncer"
)

var syncCommand = &cli.Command{
	Name:   "sync",
	Usage:  "Sync the cache with the homeserver",
	Before: prepareApp,
	After:  closeApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "full",
			Usage: "Reconcile every room instead of applying changes since the last sync",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Run a full sync even if the last one is recent",
		},
	},
	Action: cmdSync,
}

func cmdSync(ctx *cli.Context) error {
	engine := getEngine(ctx)
	var res *syncer.Result
	var err error
	if ctx.Bool("full") {
		res, err = engine.FullSync(ctx.Context, ctx.Bool("force"))
	} else {
		res, err = engine.IncrementalSync(ctx.Context)
	}
	if err != nil {
		return err
	}
	printSyncResult(res)
	if res.Status == syncer.StatusFailed {
		return errors.New("sync failed")
	}
	return nil
}

func printSyncResult(res *syncer.Result) {
	fmt.Printf("%s sync %s", res.Kind, res.Status)
	if res.RunID != "" {
		fmt.Printf(" (run %s)", res.RunID)
	}
	fmt.Println()
	if res.Status == syncer.StatusSkipped {
		return
	}
	fmt.Printf("  rooms: %d, users: %d, memberships: %d, marked left: %d\n",
		res.RoomsSynced, res.UsersSynced, res.MembershipsSynced, res.MarkedLeft)
	fmt.Printf("  duration: %s\n", res.Duration.Round(time.Millisecond))
	if len(res.RoomErrors) > 0 {
		fmt.Println("  room errors:")
		for _, roomID := range slices.Sorted(maps.Keys(res.RoomErrors)) {
			fmt.Printf("    %s: %s\n", roomID, res.RoomErrors[roomID])
		}
	} else if res.Error != "" {
		fmt.Printf("  error: %s\n", res.Error)
	}
}

var cleanupCommand = &cli.Command{
	Name:   "cleanup",
	Usage:  "Delete cache rows that haven't been synced recently",
	Before: prepareApp,
	After:  closeApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "max-age-hours",
			Usage: "Delete rows last synced more than this many hours ago",
			Value: 24 * 7,
		},
	},
	Action: func(ctx *cli.Context) error {
		deleted, err := getEngine(ctx).Cleanup(ctx.Context, ctx.Int("max-age-hours"))
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d rows\n", deleted)
		return nil
	},
}

var detectBridgedCommand = &cli.Command{
	Name:   "detect-bridged",
	Usage:  "Flag cached users that are bridge puppets",
	Before: prepareApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		updated, err := getEngine(ctx).DetectBridgedUsers(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Flagged %d new bridged users\n", updated)
		return nil
	},
}

var healthCommand = &cli.Command{
	Name:   "health",
	Usage:  "Check homeserver reachability and cache freshness",
	Before: prepareApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		report := getEngine(ctx).HealthCheck(ctx.Context)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Status == health.StatusUnhealthy {
			return fmt.Errorf("cache is %s", report.Status)
		}
		return nil
	},
}
