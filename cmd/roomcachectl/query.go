package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/roomcache/pkg/cachestore"
)

var pageFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "limit",
		Usage: "Page size (0 for the configured default)",
	},
	&cli.IntFlag{
		Name:  "offset",
		Usage: "Number of rows to skip",
	},
}

var usersCommand = &cli.Command{
	Name:   "users",
	Usage:  "List cached users",
	Before: prepareApp,
	After:  closeApp,
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "search", Aliases: []string{"s"}, Usage: "Substring of the user ID or display name"},
		&cli.BoolFlag{Name: "bridged", Usage: "Only bridged users"},
		&cli.BoolFlag{Name: "regular", Usage: "Only users that are not bridged"},
		&cli.BoolFlag{Name: "priority", Usage: "Only users joined to a priority room"},
	}, pageFlags...),
	Action: cmdUsers,
}

func cmdUsers(ctx *cli.Context) error {
	if ctx.Bool("bridged") && ctx.Bool("regular") {
		return fmt.Errorf("--bridged and --regular are mutually exclusive")
	}
	page, err := getEngine(ctx).QueryUsers(ctx.Context, cachestore.UserQuery{
		Search:       ctx.String("search"),
		OnlyBridged:  ctx.Bool("bridged"),
		OnlyRegular:  ctx.Bool("regular"),
		PriorityOnly: ctx.Bool("priority"),
		Limit:        ctx.Int("limit"),
		Offset:       ctx.Int("offset"),
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tDISPLAY NAME\tROOMS\tBRIDGED\tLAST ACTIVE")
	for _, user := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", user.UserID, user.DisplayName, user.RoomCount, user.IsBridged, formatTime(user.LastActive))
	}
	if err = w.Flush(); err != nil {
		return err
	}
	printPageFooter(page.Offset, len(page.Items), page.Total)
	return nil
}

var roomsCommand = &cli.Command{
	Name:   "rooms",
	Usage:  "List cached rooms",
	Before: prepareApp,
	After:  closeApp,
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "search", Aliases: []string{"s"}, Usage: "Substring of the room ID, name or topic"},
		&cli.StringFlag{Name: "category", Usage: "One of priority, direct, group or encrypted"},
		&cli.IntFlag{Name: "min-members", Usage: "Minimum joined member count (0 for the configured default, priority rooms always included)"},
		&cli.BoolFlag{Name: "all", Usage: "Don't filter by member count"},
	}, pageFlags...),
	Action: cmdRooms,
}

func cmdRooms(ctx *cli.Context) error {
	q := cachestore.RoomQuery{
		Search:         ctx.String("search"),
		Category:       cachestore.RoomCategory(ctx.String("category")),
		MinMemberCount: ctx.Int("min-members"),
		Limit:          ctx.Int("limit"),
		Offset:         ctx.Int("offset"),
	}
	if ctx.Bool("all") {
		q.MinMemberCount = -1
	}
	page, err := getEngine(ctx).QueryRooms(ctx.Context, q)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM ID\tNAME\tMEMBERS\tKIND\tPRIORITY\tENCRYPTED")
	for _, room := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%t\n", room.RoomID, room.Name, room.MemberCount, room.Kind, room.IsPriority, room.Encrypted)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	printPageFooter(page.Offset, len(page.Items), page.Total)
	return nil
}

var runsCommand = &cli.Command{
	Name:   "runs",
	Usage:  "Show the sync run history",
	Before: prepareApp,
	After:  closeApp,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs to show"},
	},
	Action: func(ctx *cli.Context) error {
		runs, err := getEngine(ctx).SyncRuns(ctx.Context, ctx.Int("limit"))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tKIND\tSTATUS\tSTARTED\tDURATION\tROOMS\tUSERS\tFAILED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n", run.RunID, run.Kind, run.Status,
				formatTime(run.StartedAt), run.Duration.Round(time.Millisecond),
				run.RoomsProcessed, run.UsersProcessed, run.FailedUnits)
		}
		return w.Flush()
	},
}

var statsCommand = &cli.Command{
	Name:   "stats",
	Usage:  "Show cache row counts",
	Before: prepareApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		stats, err := getEngine(ctx).Stats(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Users:       %d (%d bridged)\n", stats.Users, stats.BridgedUsers)
		fmt.Printf("Rooms:       %d (%d priority)\n", stats.Rooms, stats.PriorityRooms)
		fmt.Printf("Memberships: %d (%d joined)\n", stats.Memberships, stats.JoinedMemberships)
		if stats.LastSuccessfulSync != nil {
			fmt.Printf("Last sync:   %s (%s)\n", formatTime(stats.LastSuccessfulSync.FinishedAt), stats.LastSuccessfulSync.Kind)
		} else {
			fmt.Println("Last sync:   never")
		}
		if stats.RunningSync != nil {
			fmt.Printf("Running:     %s since %s\n", stats.RunningSync.RunID, formatTime(stats.RunningSync.StartedAt))
		}
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printPageFooter(offset, count, total int) {
	if count == 0 {
		fmt.Printf("No results (%d total)\n", total)
		return
	}
	fmt.Printf("Showing %d-%d of %d\n", offset+1, offset+count, total)
}
