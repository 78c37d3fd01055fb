package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/driftwatch/internal"
	"github.com/starford/driftwatch/internal/mcpserver"
	pkgconfig "github.com/starford/driftwatch/pkg/config"
)

var version = "dev"

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cmd.IsSet("name") {
		cfg.App.Name = cmd.String("name")
	}
	if cmd.IsSet("baseline") {
		cfg.State.Path = cmd.String("baseline")
	}
	if cmd.IsSet("interval") {
		cfg.History.Interval = time.Duration(cmd.Int("interval")) * time.Second
	}
	if cmd.Bool("version-control") {
		cfg.VersionControl.Enabled = true
	}
	if cmd.Bool("debug") {
		cfg.App.LogLevel = slog.LevelDebug
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

// withCore opens the persistent state for a one-shot command. Logs go to
// stderr so stdout carries only the command's output.
func withCore(fn func(ctx context.Context, cmd *cli.Command, core *internal.Core) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		core, err := internal.Open(ctx, cfg, internal.NewLogger(cfg, os.Stderr))
		if err != nil {
			return err
		}
		defer core.Close()
		return fn(ctx, cmd, core)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func args(cmd *cli.Command, names ...string) ([]string, error) {
	if cmd.Args().Len() != len(names) {
		return nil, fmt.Errorf("%s: expected arguments %v", cmd.Name, names)
	}
	out := make([]string, len(names))
	for i := range names {
		out[i] = cmd.Args().Get(i)
	}
	return out, nil
}

func baselineCommand() *cli.Command {
	return &cli.Command{
		Name:  "baseline",
		Usage: "Inspect and approve the trusted baseline",
		Commands: []*cli.Command{
			{
				Name:  "establish",
				Usage: "Capture every watched file as a new baseline generation",
				Action: withCore(func(ctx context.Context, _ *cli.Command, core *internal.Core) error {
					sum, err := core.Service.Establish(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("generation %d: %d files\n", sum.Generation, len(sum.Entries))
					return nil
				}),
			},
			{
				Name:      "import",
				Usage:     "Build the baseline from reference copies named <rule>.yaml",
				ArgsUsage: "[dir]",
				Action: withCore(func(ctx context.Context, cmd *cli.Command, core *internal.Core) error {
					dir := core.Config.Baseline.ImportDir
					if cmd.Args().Len() > 0 {
						dir = cmd.Args().First()
					}
					if dir == "" {
						return fmt.Errorf("%s: no directory given and baseline.import_dir is unset", cmd.Name)
					}
					sum, err := core.Service.Import(ctx, dir)
					if err != nil {
						return err
					}
					fmt.Printf("generation %d: %d files from %s\n", sum.Generation, len(sum.Entries), dir)
					return nil
				}),
			},
			{
				Name:  "show",
				Usage: "Print the current baseline",
				Action: withCore(func(ctx context.Context, _ *cli.Command, core *internal.Core) error {
					return printJSON(core.Service.Baseline(ctx))
				}),
			},
			{
				Name:      "approve",
				Usage:     "Accept the current state of a file (or its deletion) as baseline",
				ArgsUsage: "<path>",
				Action: withCore(func(ctx context.Context, cmd *cli.Command, core *internal.Core) error {
					a, err := args(cmd, "path")
					if err != nil {
						return err
					}
					item, err := core.Service.Approve(ctx, a[0])
					if err != nil {
						return err
					}
					if item == nil {
						fmt.Printf("%s removed from baseline\n", a[0])
						return nil
					}
					return printJSON(item)
				}),
			},
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Work with history snapshots",
		Commands: []*cli.Command{
			{
				Name:  "snapshot",
				Usage: "Take a snapshot now",
				Action: withCore(func(ctx context.Context, _ *cli.Command, core *internal.Core) error {
					info, err := core.Service.TakeSnapshot(ctx)
					if err != nil {
						return err
					}
					return printJSON(info)
				}),
			},
			{
				Name:  "list",
				Usage: "List retained snapshots",
				Action: withCore(func(ctx context.Context, _ *cli.Command, core *internal.Core) error {
					infos, err := core.Service.Snapshots(ctx)
					if err != nil {
						return err
					}
					return printJSON(infos)
				}),
			},
			{
				Name:      "diff",
				Usage:     "Show path-level differences between two snapshots",
				ArgsUsage: "<from> <to>",
				Action: withCore(func(ctx context.Context, cmd *cli.Command, core *internal.Core) error {
					a, err := args(cmd, "from", "to")
					if err != nil {
						return err
					}
					diffs, err := core.Service.DiffSnapshots(ctx, a[0], a[1])
					if err != nil {
						return err
					}
					return printJSON(diffs)
				}),
			},
			{
				Name:      "rollback",
				Usage:     "Print a file's content from a snapshot, or write it back with --write",
				ArgsUsage: "<path> <snapshot>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "write",
						Usage: "Restore the file on disk instead of printing it",
					},
				},
				Action: withCore(func(ctx context.Context, cmd *cli.Command, core *internal.Core) error {
					a, err := args(cmd, "path", "snapshot")
					if err != nil {
						return err
					}
					if cmd.Bool("write") {
						st, err := core.Service.Restore(ctx, a[0], a[1])
						if err != nil {
							return err
						}
						fmt.Printf("restored %s (%d bytes)\n", st.Path, len(st.Content))
						return nil
					}
					res, err := core.Service.Rollback(ctx, a[0], a[1])
					if err != nil {
						return err
					}
					_, err = os.Stdout.WriteString(res.Content)
					return err
				}),
			},
		},
	}
}

func driftCommand() *cli.Command {
	return &cli.Command{
		Name:  "drift",
		Usage: "Query recorded drift",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent drift alerts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Usage: "Only alerts for this path"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum alerts", Value: 50},
				},
				Action: withCore(func(ctx context.Context, cmd *cli.Command, core *internal.Core) error {
					alerts, err := core.Service.ListDrift(ctx, cmd.String("path"), int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					return printJSON(alerts)
				}),
			},
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve read-only drift tools over MCP stdio",
		Action: withCore(func(_ context.Context, _ *cli.Command, core *internal.Core) error {
			return mcpserver.New(core.Service, version).ServeStdio()
		}),
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "driftwatch",
		Usage:   "Configuration drift monitor with versioned baselines and snapshot history",
		Version: version,
		Action:  run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Label for this monitoring instance",
				Sources: cli.EnvVars("DRIFTWATCH_NAME"),
			},
			&cli.StringFlag{
				Name:    "baseline",
				Aliases: []string{"b"},
				Usage:   "Path to the baseline state database",
				Sources: cli.EnvVars("DRIFTWATCH_STATE"),
			},
			&cli.IntFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Snapshot interval in seconds",
			},
			&cli.BoolFlag{
				Name:  "version-control",
				Usage: "Commit every snapshot to the revision store",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start monitoring (default)",
				Action: run,
			},
			baselineCommand(),
			historyCommand(),
			driftCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
