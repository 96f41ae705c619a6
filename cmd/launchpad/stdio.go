package main

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/server"
	"github.com/spf13/cobra"
)

type stdioOptions struct {
	enableLog bool
	userID    string
}

func newStdioCommand(root *rootOptions) *cobra.Command {
	opts := &stdioOptions{}
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the MCP tools on stdin/stdout for a single user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stdioHandler(cmd.Context(), root, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.enableLog, "log", false, "Enable logging output on stderr")
	flags.StringVar(&opts.userID, "user", os.Getenv("LAUNCHPAD_USER"), "user the session acts as")
	return cmd
}

func stdioHandler(ctx context.Context, root *rootOptions, opts *stdioOptions) error {
	if opts.userID == "" {
		return errors.New("--user or LAUNCHPAD_USER is required")
	}
	// stdout carries the protocol, logs are off unless asked for
	cfg, err := root.load(!opts.enableLog)
	if err != nil {
		return err
	}

	app, err := server.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	defer app.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := app.Run(runCtx); err != nil {
			log.Error("background workers stopped", "err", err)
		}
	}()

	// the session's feed is available from the start
	app.Dispatcher().Initialize(ctx, opts.userID)
	return app.NewMCPServer().StartStdioServer(opts.userID)
}
