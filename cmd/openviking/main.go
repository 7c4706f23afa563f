// Command openviking runs the OpenViking context database server and
// its client CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openviking/openviking/internal/client"
	"github.com/openviking/openviking/internal/config"
	"github.com/openviking/openviking/internal/server"
	"github.com/openviking/openviking/internal/service"
)

// Version is the build version.
const Version = "0.1.0"

// CLI exit codes.
const (
	exitOK         = 0
	exitAPIError   = 1
	exitConfig     = 2
	exitConnection = 3
)

func main() {
	app := &cli.App{
		Name:    "openviking",
		Usage:   "agent-native context database",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file path"},
			&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:1933", Usage: "server base URL"},
			&cli.StringFlag{Name: "api-key", EnvVars: []string{"OPENVIKING_API_KEY"}, Usage: "API key"},
			&cli.BoolFlag{Name: "json", Usage: "emit raw JSON output"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			resourceCommand(),
			skillCommand(),
			fsCommand(),
			contentCommand(),
			searchCommand(),
			relationsCommand(),
			sessionCommand(),
			packCommand(),
			observerCommand(),
			debugCommand(),
			waitCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(renderError(err, jsonWanted(os.Args)))
	}
}

func jsonWanted(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// renderError prints the failure and picks the exit code: 1 for server
// errors, 2 for CLI/config errors, 3 for connection errors.
func renderError(err error, asJSON bool) int {
	var apiErr *client.APIError
	var connErr *client.ConnectionError
	code := exitConfig
	errCode := "CLI_ERROR"
	switch {
	case errors.As(err, &apiErr):
		code = exitAPIError
		errCode = apiErr.Code
	case errors.As(err, &connErr):
		code = exitConnection
		errCode = "CONNECTION_ERROR"
	}
	if asJSON {
		_ = json.NewEncoder(os.Stderr).Encode(map[string]any{
			"status": "error",
			"error":  map[string]any{"code": errCode, "message": err.Error()},
		})
	} else {
		fmt.Fprintf(os.Stderr, "ERROR[%s]: %v\n", errCode, err)
	}
	return code
}

func newClient(c *cli.Context) *client.Client {
	return client.New(strings.TrimRight(c.String("server"), "/"), c.String("api-key"), 0)
}

func emit(c *cli.Context, result any) error {
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	switch v := result.(type) {
	case string:
		fmt.Println(v)
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the OpenViking server",
		Action: func(c *cli.Context) error {
			cfgPath := config.ResolvePath(c.String("config"))
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := service.New(cfg, service.Options{})
			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = svc.Close(shutdownCtx)
			}()

			srv := server.New(svc)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
			}()
			select {
			case <-ctx.Done():
				svc.Logger().Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}

func resourceCommand() *cli.Command {
	return &cli.Command{
		Name:  "resource",
		Usage: "manage resources",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "ingest a file, directory, or URL",
				ArgsUsage: "<path-or-url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Usage: "destination viking:// URI"},
					&cli.StringFlag{Name: "reason", Usage: "why this resource is ingested"},
					&cli.StringFlag{Name: "instruction", Usage: "parser instruction"},
					&cli.BoolFlag{Name: "wait", Usage: "wait for embedding to finish"},
					&cli.IntFlag{Name: "timeout", Value: 600, Usage: "wait timeout seconds"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("resource add requires exactly one path or URL")
					}
					result, err := newClient(c).AddResource(c.Context, client.AddResourceRequest{
						Path:        c.Args().First(),
						Target:      c.String("target"),
						Reason:      c.String("reason"),
						Instruction: c.String("instruction"),
						Wait:        c.Bool("wait"),
						Timeout:     c.Int("timeout"),
					})
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func skillCommand() *cli.Command {
	return &cli.Command{
		Name:  "skill",
		Usage: "manage skills",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "ingest a skill file or directory",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "wait for embedding"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("skill add requires exactly one path")
					}
					result, err := newClient(c).AddSkill(c.Context, c.Args().First(), c.Bool("wait"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func fsCommand() *cli.Command {
	return &cli.Command{
		Name:  "fs",
		Usage: "filesystem operations",
		Subcommands: []*cli.Command{
			{
				Name: "ls", ArgsUsage: "<uri>",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}}},
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Ls(c.Context, c.Args().First(), c.Bool("recursive"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "tree", ArgsUsage: "<uri>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Tree(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "stat", ArgsUsage: "<uri>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Stat(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "mkdir", ArgsUsage: "<uri>",
				Action: func(c *cli.Context) error {
					if err := newClient(c).Mkdir(c.Context, c.Args().First()); err != nil {
						return err
					}
					return emit(c, "created "+c.Args().First())
				},
			},
			{
				Name: "rm", ArgsUsage: "<uri>",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}}},
				Action: func(c *cli.Context) error {
					if err := newClient(c).Rm(c.Context, c.Args().First(), c.Bool("recursive")); err != nil {
						return err
					}
					return emit(c, "removed "+c.Args().First())
				},
			},
			{
				Name: "mv", ArgsUsage: "<from-uri> <to-uri>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("fs mv requires <from-uri> <to-uri>")
					}
					if err := newClient(c).Mv(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
						return err
					}
					return emit(c, "moved")
				},
			},
		},
	}
}

func contentCommand() *cli.Command {
	fetch := func(kind string) func(*cli.Context) error {
		return func(c *cli.Context) error {
			cl := newClient(c)
			var (
				text string
				err  error
			)
			switch kind {
			case "read":
				text, err = cl.Read(c.Context, c.Args().First())
			case "abstract":
				text, err = cl.Abstract(c.Context, c.Args().First())
			default:
				text, err = cl.Overview(c.Context, c.Args().First())
			}
			if err != nil {
				return err
			}
			return emit(c, text)
		}
	}
	return &cli.Command{
		Name:  "content",
		Usage: "read node content levels",
		Subcommands: []*cli.Command{
			{Name: "read", ArgsUsage: "<uri>", Action: fetch("read")},
			{Name: "abstract", ArgsUsage: "<uri>", Action: fetch("abstract")},
			{Name: "overview", ArgsUsage: "<uri>", Action: fetch("overview")},
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "retrieval operations",
		Subcommands: []*cli.Command{
			{
				Name: "find", ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Usage: "restrict to a URI prefix"},
					&cli.IntFlag{Name: "limit", Value: 10},
				},
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Find(c.Context,
						strings.Join(c.Args().Slice(), " "), c.String("target"), c.Int("limit"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "query", ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target"},
					&cli.StringFlag{Name: "session"},
					&cli.IntFlag{Name: "limit", Value: 10},
				},
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Search(c.Context,
						strings.Join(c.Args().Slice(), " "), c.String("target"),
						c.String("session"), c.Int("limit"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "grep", ArgsUsage: "<uri> <pattern>",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "ignore-case", Aliases: []string{"i"}}},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("search grep requires <uri> <pattern>")
					}
					result, err := newClient(c).Grep(c.Context,
						c.Args().Get(0), c.Args().Get(1), c.Bool("ignore-case"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "glob", ArgsUsage: "<pattern>",
				Flags: []cli.Flag{&cli.StringFlag{Name: "root", Usage: "root URI"}},
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Glob(c.Context, c.String("root"), c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func relationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "relations",
		Usage: "manage relation edges",
		Subcommands: []*cli.Command{
			{
				Name: "show", ArgsUsage: "<uri>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).Relations(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "link", ArgsUsage: "<from-uri> <to-uri>...",
				Flags: []cli.Flag{&cli.StringFlag{Name: "reason"}},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return fmt.Errorf("relations link requires <from-uri> and at least one <to-uri>")
					}
					args := c.Args().Slice()
					if err := newClient(c).Link(c.Context, args[0], args[1:], c.String("reason")); err != nil {
						return err
					}
					return emit(c, "linked")
				},
			},
			{
				Name: "unlink", ArgsUsage: "<from-uri> <to-uri>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("relations unlink requires <from-uri> <to-uri>")
					}
					if err := newClient(c).Unlink(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
						return err
					}
					return emit(c, "unlinked")
				},
			},
		},
	}
}

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "manage sessions",
		Subcommands: []*cli.Command{
			{
				Name: "create",
				Action: func(c *cli.Context) error {
					sessionID, err := newClient(c).CreateSession(c.Context)
					if err != nil {
						return err
					}
					return emit(c, sessionID)
				},
			},
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).ListSessions(c.Context)
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "show", ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).GetSession(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "delete", ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					if err := newClient(c).DeleteSession(c.Context, c.Args().First()); err != nil {
						return err
					}
					return emit(c, "deleted "+c.Args().First())
				},
			},
			{
				Name: "send", ArgsUsage: "<session-id> <text>",
				Flags: []cli.Flag{&cli.StringFlag{Name: "role", Value: "user"}},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return fmt.Errorf("session send requires <session-id> <text>")
					}
					args := c.Args().Slice()
					result, err := newClient(c).AddMessage(c.Context, args[0],
						c.String("role"), strings.Join(args[1:], " "))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "commit", ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).CommitSession(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "extract", ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).ExtractSession(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func packCommand() *cli.Command {
	return &cli.Command{
		Name:  "pack",
		Usage: "export and import .ovpack archives",
		Subcommands: []*cli.Command{
			{
				Name: "export", ArgsUsage: "<uri> <dest-path>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("pack export requires <uri> <dest-path>")
					}
					result, err := newClient(c).ExportPack(c.Context, c.Args().Get(0), c.Args().Get(1))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
			{
				Name: "import", ArgsUsage: "<pack-path> <parent-uri>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force"},
					&cli.BoolFlag{Name: "vectorize"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("pack import requires <pack-path> <parent-uri>")
					}
					result, err := newClient(c).ImportPack(c.Context,
						c.Args().Get(0), c.Args().Get(1), c.Bool("force"), c.Bool("vectorize"))
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func observerCommand() *cli.Command {
	return &cli.Command{
		Name:      "observer",
		Usage:     "inspect runtime state",
		ArgsUsage: "<queue|vikingdb|vlm|transaction|system>",
		Action: func(c *cli.Context) error {
			what := c.Args().First()
			if what == "" {
				what = "system"
			}
			result, err := newClient(c).Observe(c.Context, what)
			if err != nil {
				return err
			}
			return emit(c, result)
		},
	}
}

func debugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "debug helpers",
		Subcommands: []*cli.Command{
			{
				Name: "health",
				Action: func(c *cli.Context) error {
					result, err := newClient(c).DebugHealth(c.Context)
					if err != nil {
						return err
					}
					return emit(c, result)
				},
			},
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:  "wait",
		Usage: "block until the processing queues drain",
		Flags: []cli.Flag{&cli.IntFlag{Name: "timeout", Value: 600, Usage: "seconds"}},
		Action: func(c *cli.Context) error {
			result, err := newClient(c).Wait(c.Context, c.Int("timeout"))
			if err != nil {
				return err
			}
			return emit(c, result)
		},
	}
}
