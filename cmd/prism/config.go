package main

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syssam/prism/config"
)

// NewConfigCommand returns the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long: `Load the configuration file, expand ${VAR} references, apply the
selected environment and print the result. The database password is
masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), resolved(cfg), func(w io.Writer) error {
				return writeConfig(w, resolved(cfg), as)
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "toml", "text output syntax (toml|yaml)")
	return cmd
}

// resolved returns the printable form of cfg.
func resolved(cfg *config.Config) *config.Config {
	out := *cfg
	out.Environments = nil
	if u, err := cfg.URL(); err == nil {
		out.Database.URL = u.String()
	}
	return &out
}

func writeConfig(w io.Writer, cfg *config.Config, as string) error {
	var (
		b   []byte
		err error
	)
	switch as {
	case "toml":
		b, err = toml.Marshal(cfg)
	case "yaml":
		b, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("invalid --as %q: must be toml or yaml", as)
	}
	if err != nil {
		return err
	}
	if cfg.Environment != "" {
		fmt.Fprintf(w, "# environment: %s\n", cfg.Environment)
	}
	_, err = w.Write(b)
	return err
}
