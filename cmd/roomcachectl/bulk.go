package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/bulk"
)

var bulkCommand = &cli.Command{
	Name:  "bulk",
	Usage: "Send messages, invite or remove many users at once",
	Subcommands: []*cli.Command{
		{
			Name:      "send",
			Usage:     "Send a text message to users (as a DM) or rooms",
			ArgsUsage: "TARGET...",
			Before:    prepareApp,
			After:     closeApp,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Required: true, Usage: "Message text"},
			},
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() == 0 {
					return fmt.Errorf("you must specify at least one target")
				}
				return printBulkResult(getEngine(ctx).BulkSend(ctx.Context, ctx.Args().Slice(), ctx.String("text")))
			},
		},
		{
			Name:      "invite",
			Usage:     "Invite users to a room",
			ArgsUsage: "USER...",
			Before:    prepareApp,
			After:     closeApp,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "room", Aliases: []string{"r"}, Required: true, Usage: "Room ID"},
			},
			Action: func(ctx *cli.Context) error {
				users, err := userArgs(ctx)
				if err != nil {
					return err
				}
				return printBulkResult(getEngine(ctx).BulkInvite(ctx.Context, id.RoomID(ctx.String("room")), users))
			},
		},
		{
			Name:      "remove",
			Usage:     "Kick users from a room",
			ArgsUsage: "USER...",
			Before:    prepareApp,
			After:     closeApp,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "room", Aliases: []string{"r"}, Required: true, Usage: "Room ID"},
				&cli.StringFlag{Name: "reason", Usage: "Kick reason shown to the users"},
			},
			Action: func(ctx *cli.Context) error {
				users, err := userArgs(ctx)
				if err != nil {
					return err
				}
				return printBulkResult(getEngine(ctx).BulkRemove(ctx.Context, id.RoomID(ctx.String("room")), users, ctx.String("reason")))
			},
		},
	},
}

func userArgs(ctx *cli.Context) ([]id.UserID, error) {
	if ctx.NArg() == 0 {
		return nil, fmt.Errorf("you must specify at least one user")
	}
	users := make([]id.UserID, 0, ctx.NArg())
	for _, arg := range ctx.Args().Slice() {
		userID := id.UserID(arg)
		if _, _, err := userID.Parse(); err != nil {
			return nil, fmt.Errorf("invalid user ID %q: %w", arg, err)
		}
		users = append(users, userID)
	}
	return users, nil
}

func printBulkResult(res *bulk.Result) error {
	for _, target := range slices.Sorted(maps.Keys(res.Results)) {
		outcome := res.Results[target]
		if outcome.Success {
			fmt.Printf("  ok    %s\n", target)
		} else {
			fmt.Printf("  fail  %s: %s\n", target, outcome.Error)
		}
	}
	fmt.Printf("%s: %d succeeded, %d failed in %d batches\n", res.Operation, res.TotalSuccess, res.TotalFailed, res.Batches)
	if res.Duplicates > 0 {
		fmt.Printf("%d repeated targets skipped\n", res.Duplicates)
	}
	return nil
}
