package cli

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"github.com/urfave/cli/v2"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/gateway"
	"github.com/linkflow/middleware/subquery"
)

// GatewayEnv names the admin api address used when --gateway is not given.
const GatewayEnv = "LINKFLOW_GATEWAY"

func clientFlags(flags ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:    "gateway",
			Usage:   "admin api `ADDRESS` of the master",
			Value:   "127.0.0.1:7080",
			EnvVars: []string{GatewayEnv},
		},
		&cli.DurationFlag{Name: "timeout", Usage: "request timeout, 0 for none"},
	}, flags...)
}

func newClient(c *cli.Context) *gateway.Client {
	return gateway.NewClient(c.String("gateway"), nil)
}

func printJSON(c *cli.Context, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(append(out, '\n'))
	return err
}

func withTimeout(c *cli.Context, fn func() error) error {
	if d := c.Duration("timeout"); d > 0 {
		ctx, cancel := context.WithTimeout(c.Context, d)
		defer cancel()
		c.Context = ctx
	}
	return fn()
}

// subQueryIDArg reads QUERY_ID [INDEX] from the arguments.
func subQueryIDArg(c *cli.Context) (middleware.SubQueryID, error) {
	if c.NArg() < 1 || c.NArg() > 2 {
		return middleware.SubQueryID{}, errors.New("want QUERY_ID [INDEX]")
	}
	queryID, err := cast.ToInt64E(c.Args().Get(0))
	if err != nil {
		return middleware.SubQueryID{}, errors.Wrapf(err, "query id %q", c.Args().Get(0))
	}
	var index int64
	if c.NArg() == 2 {
		if index, err = cast.ToInt64E(c.Args().Get(1)); err != nil {
			return middleware.SubQueryID{}, errors.Wrapf(err, "subquery index %q", c.Args().Get(1))
		}
	}
	return middleware.NewSubQueryID(queryID, index), nil
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "submit a query",
		ArgsUsage: "FILE, or - for stdin",
		Flags:     clientFlags(&cli.BoolFlag{Name: "wait", Usage: "return once the query finished"}),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("want one query file")
			}
			var (
				query []byte
				err   error
			)
			if name := c.Args().First(); name == "-" {
				query, err = io.ReadAll(os.Stdin)
			} else {
				query, err = os.ReadFile(name)
			}
			if err != nil {
				return errors.Wrap(err, "read query")
			}
			return withTimeout(c, func() error {
				st, err := newClient(c).Submit(c.Context, query, c.Bool("wait"))
				if err != nil {
					return err
				}
				return printJSON(c, st)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the status of a query",
		ArgsUsage: "QUERY_ID [INDEX]",
		Flags:     clientFlags(),
		Action: func(c *cli.Context) error {
			id, err := subQueryIDArg(c)
			if err != nil {
				return err
			}
			return withTimeout(c, func() error {
				st, err := newClient(c).Status(c.Context, id)
				if err != nil {
					return err
				}
				return printJSON(c, st)
			})
		},
	}
}

func controlCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "QUERY_ID [INDEX]",
		Flags:     clientFlags(),
		Action: func(c *cli.Context) error {
			id, err := subQueryIDArg(c)
			if err != nil {
				return err
			}
			return withTimeout(c, func() error {
				client := newClient(c)
				switch name {
				case "kill":
					return client.Kill(c.Context, id)
				case "pause":
					return client.Pause(c.Context, id)
				default:
					return client.Resume(c.Context, id)
				}
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list running and finished queries",
		Flags: clientFlags(),
		Action: func(c *cli.Context) error {
			return withTimeout(c, func() error {
				list, err := newClient(c).History(c.Context)
				if err != nil {
					return err
				}
				return printJSON(c, list)
			})
		},
	}
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "list the workers known to the master",
		Flags: clientFlags(),
		Action: func(c *cli.Context) error {
			return withTimeout(c, func() error {
				list, err := newClient(c).Workers(c.Context)
				if err != nil {
					return err
				}
				return printJSON(c, list)
			})
		},
	}
}

func sampleCommand() *cli.Command {
	return &cli.Command{
		Name:  "sample",
		Usage: "print a sample query",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Value: "shuffle", Usage: "shuffle or local"},
			&cli.IntSliceFlag{Name: "workers", Value: cli.NewIntSlice(1, 2, 3), Usage: "worker node ids"},
			&cli.Int64Flag{Name: "count", Value: 10000, Usage: "tuples generated per node"},
			&cli.StringFlag{Name: "ft-mode", Value: subquery.FTNone.String(), Usage: "none, abandon or rejoin"},
		},
		Action: func(c *cli.Context) error {
			mode, err := subquery.ParseFTMode(c.String("ft-mode"))
			if err != nil {
				return err
			}
			workers := make([]middleware.NodeID, 0, len(c.IntSlice("workers")))
			for _, id := range c.IntSlice("workers") {
				workers = append(workers, middleware.NodeID(id))
			}
			var q *encoding.QueryEncoding
			switch c.String("kind") {
			case "shuffle":
				q = encoding.ShuffleCountQuery(workers, c.Int64("count"), mode)
			case "local":
				q = encoding.LocalCountQuery(workers, c.Int64("count"), mode)
			default:
				return errors.Newf("unknown sample kind %q", c.String("kind"))
			}
			if err := q.Validate(); err != nil {
				return err
			}
			return printJSON(c, q)
		},
	}
}
