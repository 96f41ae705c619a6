package main

import (
	"fmt"

	"github.com/rxtech-lab/launchpad-deployer/internal/config"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	viper      *viper.Viper
}

// load parses the configuration after flags are bound and installs the log
// handler.
func (o *rootOptions) load(quiet bool) (config.Config, error) {
	cfg, err := config.Parse(o.viper, o.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if quiet {
		logging.Discard()
		return cfg, nil
	}
	if err := logging.Init(cfg.Logger); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:          "launchpad",
		Short:        "Token deployment service",
		Long:         "Deploys token contracts to EVM networks, tracks them to confirmation, verifies their source and reports progress as notifications.",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file, E.g. `./config.yaml`")
	flags.String("database", "", "database DSN, E.g. `launchpad.db` or a postgres URL")
	flags.String("networks", "", "networks file, E.g. `./networks.yaml`")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return config.BindFlags(opts.viper, cmd.Flags())
	}

	cmd.AddCommand(
		newServeCommand(opts),
		newStdioCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Launchpad Deployer\nVersion: %s\nCommit: %s\nBuilt: %s\n", Version, CommitHash, BuildTime)
		},
	}
}
