package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/roomcache"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyEngine
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getEngine(ctx *cli.Context) *roomcache.Engine {
	return ctx.Context.Value(contextKeyEngine).(*roomcache.Engine)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "roomcache", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	if ctx.Bool("verbose") {
		leveled := log.Level(zerolog.DebugLevel)
		log = &leveled
	}
	zerolog.DefaultContextLogger = log
	engine, err := roomcache.Open(ctx.Context, cfg, *log)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyEngine, engine)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

// closeApp must be the After hook of every command that uses prepareApp:
// the engine lives in the command's context, not the app's.
func closeApp(ctx *cli.Context) error {
	engine, ok := ctx.Context.Value(contextKeyEngine).(*roomcache.Engine)
	if !ok {
		return nil
	}
	return engine.Close()
}

func main() {
	app := &cli.App{
		Name:    "roomcachectl",
		Usage:   "Mirror Matrix rooms and memberships into a queryable cache",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				EnvVars: []string{"ROOMCACHE_CONFIG"},
				Value:   getConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			syncCommand,
			cleanupCommand,
			detectBridgedCommand,
			healthCommand,
			usersCommand,
			roomsCommand,
			runsCommand,
			statsCommand,
			bulkCommand,
			exampleConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print the example config with all defaults",
	Action: func(ctx *cli.Context) error {
		fmt.Print(config.ExampleConfig)
		return nil
	},
}
