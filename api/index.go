package handler

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rxtech-lab/launchpad-deployer/internal/api"
	"github.com/rxtech-lab/launchpad-deployer/internal/config"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/server"
)

var (
	log       = logging.New("vercel")
	initOnce  sync.Once
	initErr   error
	apiServer *api.APIServer
)

// Handler is the main Vercel function handler
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		initErr = initializeAPIServer(context.Background())
	})
	if initErr != nil {
		log.Error("failed to initialize API server", "err", initErr)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	adaptor.FiberApp(apiServer.GetFiberApp())(w, r)
}

// initializeAPIServer builds the service from LAUNCHPAD_* environment
// variables. Background workers are not started; a function invocation only
// serves the request it was called for.
func initializeAPIServer(ctx context.Context) error {
	v := config.New()
	// In Vercel only /tmp is writable
	if os.Getenv("VERCEL") == "1" {
		v.SetDefault("database.dsn", "/tmp/launchpad.db")
	}
	cfg, err := config.Parse(v, "")
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logger); err != nil {
		return err
	}

	app, err := server.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	apiServer, err = app.NewAPIServer()
	if err != nil {
		return err
	}

	// Add a root route for Vercel
	apiServer.GetFiberApp().Get("/", func(c *fiber.Ctx) error {
		return c.JSON(map[string]interface{}{
			"message": "Launchpad Deployer API",
			"status":  "running",
		})
	})
	return nil
}
