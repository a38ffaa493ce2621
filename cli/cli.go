package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/maesterweb/maesterweb/maester"
)

const AppName = "maesterweb"

type App struct {
	logger zerolog.Logger
	out    io.Writer
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		out:    os.Stdout,
	}
	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Run Maester security tests and browse their reports",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"MAESTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (console or json)",
				Value: "console",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			switch ctx.String("log-format") {
			case "console":
			case "json":
				app.logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			default:
				return fmt.Errorf("unknown log format %q (expected console or json)", ctx.String("log-format"))
			}
			return nil
		},
	}

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "serve",
		Usage:  "Serve the web API and client",
		Action: app.serve,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (default: $PORT or 3001)",
			},
			&cli.StringFlag{
				Name:  "static-dir",
				Usage: "Directory of the built web client to serve",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Run Maester tests, wait for them and publish the report",
		Action: app.run,
		Flags: []cli.Flag{
			maester.TagFlag(),
			maester.IncludeLongRunningFlag(),
			maester.IncludePreviewFlag(),
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to check the job status",
				Value: time.Second,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:  "reports",
		Usage: "Browse published reports",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List reports, newest first",
				Action: app.reportsList,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Limit number of results (default: 20)",
						Value:   20,
					},
				},
			},
			{
				Name:   "latest",
				Usage:  "Show the most recent report",
				Action: app.reportsLatest,
			},
			{
				Name:      "show",
				Usage:     "Show a report",
				ArgsUsage: "ID",
				Action:    app.reportsShow,
			},
			{
				Name:      "download",
				Usage:     "Download the HTML of a report",
				ArgsUsage: "ID",
				Action:    app.reportsDownload,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "File to write to, - for stdout (default: <ID>.html)",
					},
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a report",
				ArgsUsage: "ID",
				Action:    app.reportsDelete,
			},
		},
		// Default action when no subcommand is specified
		Action: app.reportsList,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
