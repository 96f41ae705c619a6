package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var log = logging.New("cmd")

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the MCP server mounted at /mcp",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveHandler(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 0, "port to listen on, E.g. `8080`")
	return cmd
}

func serveHandler(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load(false)
	if err != nil {
		return err
	}

	app, err := server.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("error closing service", "err", err)
		}
	}()

	apiServer, err := app.NewAPIServer()
	if err != nil {
		return err
	}
	port := cfg.HTTP.Port
	startedPort, err := apiServer.Start(&port)
	if err != nil {
		return errors.Wrap(err, "failed to start API server")
	}
	log.Info("API server started", "port", startedPort)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down server")
		return apiServer.Shutdown()
	})
	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("server shut down successfully")
	return nil
}
