package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/syssam/prism/config"
)

// RootOptions holds the global flags.
type RootOptions struct {
	Config  string
	Env     string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand returns the prism command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "prism",
		Short: "prism - schema driven data access",
		Long:  "Inspect prism configuration files and check the database they point at.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "prism.toml", "configuration file (.toml, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.Env, "env", "", "environment section to apply (default $"+config.EnvVar+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewURLCommand(opts))
	cmd.AddCommand(NewPingCommand(opts))
	return cmd
}

// load reads the configuration selected by the flags.
func (o *RootOptions) load() (*config.Config, error) {
	var opts []config.Option
	if o.Env != "" {
		opts = append(opts, config.WithEnvironment(o.Env))
	}
	return config.Load(o.Config, opts...)
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// print writes v as indented JSON, or calls text.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer) error) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
