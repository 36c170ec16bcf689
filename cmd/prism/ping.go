package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/syssam/prism/config"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/driver/mongo"
	_ "github.com/syssam/prism/driver/mssql"
	_ "github.com/syssam/prism/driver/mysql"
	"github.com/syssam/prism/driver/postgres"
	_ "github.com/syssam/prism/driver/sqlite"
	"github.com/syssam/prism/pool"
)

// PingResult reports a health check.
type PingResult struct {
	Dialect string      `json:"dialect"`
	URL     string      `json:"url"`
	Elapsed string      `json:"elapsed"`
	Pool    pool.Status `json:"pool"`
}

// NewPingCommand returns the ping command.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the configured database",
		Long: `Open a connection pool with the configured settings, warm it up to
its minimum size and ping the connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := ping(ctx, cfg, rootOpts.logger(cmd))
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), res, res.write)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func ping(ctx context.Context, cfg *config.Config, log *slog.Logger) (*PingResult, error) {
	u, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	connector, err := openConnector(ctx, cfg.Dialect(), cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(ctx, connector, cfg.PoolConfig(), pool.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer p.Close()
	if err := p.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return &PingResult{
		Dialect: p.Dialect(),
		URL:     u.String(),
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
		Pool:    p.Status(),
	}, nil
}

// openConnector opens the connector of the dialect d.
func openConnector(ctx context.Context, d, url string) (dialect.Connector, error) {
	var (
		c   dialect.Connector
		err error
	)
	switch d {
	case dialect.MongoDB:
		c, err = mongo.Open(ctx, url)
	case dialect.Postgres:
		c, err = postgres.Open(url)
	default:
		c, err = sqlb.Open(d, url)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PingResult) write(w io.Writer) error {
	fmt.Fprintf(w, "ok  %s  %s  in %s\n", r.Dialect, r.URL, r.Elapsed)
	fmt.Fprintf(w, "pool open=%d idle=%d max=%d\n", r.Pool.Open, r.Pool.Idle, r.Pool.MaxConns)
	return nil
}
