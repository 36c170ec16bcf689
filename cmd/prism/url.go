package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/syssam/prism/config"
)

// URLResult is the parsed form of a connection url.
type URLResult struct {
	Dialect  string              `json:"dialect"`
	URL      string              `json:"url"`
	Host     string              `json:"host,omitempty"`
	Port     int                 `json:"port,omitempty"`
	Database string              `json:"database,omitempty"`
	User     string              `json:"user,omitempty"`
	Memory   bool                `json:"memory,omitempty"`
	Params   map[string][]string `json:"params,omitempty"`
}

// NewURLCommand returns the url command.
func NewURLCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "url [connection-url]",
		Short: "Parse a connection url",
		Long: `Parse and validate a connection url. Without an argument the url of
the configuration file is used. The password is never printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				cfg, err := rootOpts.load()
				if err != nil {
					return err
				}
				raw = cfg.Database.URL
			}
			u, err := config.ParseURL(raw)
			if err != nil {
				return err
			}
			res := URLResult{
				Dialect:  u.Dialect,
				URL:      u.String(),
				Host:     u.Host,
				Port:     u.Port,
				Database: u.Database,
				User:     u.User,
				Memory:   u.Memory,
				Params:   u.Params,
			}
			return rootOpts.print(cmd.OutOrStdout(), res, res.write)
		},
	}
}

func (r URLResult) write(w io.Writer) error {
	fmt.Fprintf(w, "dialect   %s\n", r.Dialect)
	fmt.Fprintf(w, "url       %s\n", r.URL)
	if r.Host != "" {
		fmt.Fprintf(w, "host      %s\n", r.Host)
	}
	if r.Port != 0 {
		fmt.Fprintf(w, "port      %d\n", r.Port)
	}
	switch {
	case r.Memory:
		fmt.Fprintln(w, "database  (in memory)")
	case r.Database != "":
		fmt.Fprintf(w, "database  %s\n", r.Database)
	}
	if r.User != "" {
		fmt.Fprintf(w, "user      %s\n", r.User)
	}
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "param     %s=%s\n", k, r.Params[k][0])
	}
	return nil
}
