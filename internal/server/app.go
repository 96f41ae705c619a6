// Package server wires the deployment pipeline together from configuration.
package server

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rxtech-lab/launchpad-deployer/internal/api"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
	"github.com/rxtech-lab/launchpad-deployer/internal/config"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/hooks"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/mcp"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/notification"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
	"github.com/rxtech-lab/launchpad-deployer/internal/secrets"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/utils"
	"github.com/rxtech-lab/launchpad-deployer/internal/verifier"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"golang.org/x/sync/errgroup"
)

var log = logging.New("server")

type usageStore interface {
	ratelimit.UsageStore
	deployer.OpenUsageLister
}

// App owns every long-lived component of the service.
type App struct {
	cfg      config.Config
	db       services.DBService
	redis    *redis.Client
	services Services

	registry      *ledger.Registry
	watcher       *watcher.Watcher
	pollers       []*watcher.LogPoller
	contractWatch *hooks.ContractWatchHook
	limiter       *ratelimit.Limiter
	orchestrator  *deployer.Orchestrator
	reconciler    *deployer.Reconciler
	dispatcher    *notification.Dispatcher
	kafka         *notification.KafkaSink
}

// New opens the database, connects the configured networks and builds the
// pipeline. Nothing runs until Run is called.
func New(ctx context.Context, cfg config.Config) (app *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openDatabase(); err != nil {
		return nil, err
	}
	a.services = InitializeServices(a.db.GetDB())

	chains, err := a.loadChains(ctx)
	if err != nil {
		return nil, err
	}
	if a.registry, err = ledger.Connect(ctx, chains); err != nil {
		return nil, err
	}

	if a.dispatcher, err = notification.New(cfg.Notifications, a.services.Tokens); err != nil {
		return nil, err
	}
	for _, network := range a.registry.Networks() {
		adapter, err := a.registry.Get(network.Blockchain, network.Environment)
		if err != nil {
			return nil, err
		}
		poller, err := watcher.NewLogPoller(adapter, cfg.LogPoller, a.dispatcher.HandleContractEvent)
		if err != nil {
			log.Warn("contract events disabled for network", "network", network.Name, "err", err)
			continue
		}
		a.pollers = append(a.pollers, poller)
	}

	tokenHook, contractWatch := InitializeHooks(a.services.Tokens, a.pollers)
	a.contractWatch = contractWatch
	if err := RegisterHooks(a.services.Hooks, tokenHook, contractWatch); err != nil {
		return nil, err
	}

	store, err := a.usageStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.limiter, err = ratelimit.New(cfg.RateLimit, store); err != nil {
		return nil, err
	}

	a.watcher = watcher.New(cfg.Watcher)
	a.orchestrator, err = deployer.New(cfg.Deployer, deployer.Deps{
		Deployments: a.services.Deployments,
		Tokens:      a.services.Tokens,
		Payloads:    a.services.Payloads,
		Limiter:     a.limiter,
		Networks:    a.registry,
		Keys:        secrets.NewEnvKeyProvider(cfg.Keys.EnvPrefix),
		Watcher:     a.watcher,
		Verifier:    verifier.NewEtherscanVerifier(cfg.Verifier),
		Hooks:       a.services.Hooks,
	})
	if err != nil {
		return nil, err
	}
	a.reconciler = deployer.NewReconciler(a.orchestrator, store, cfg.Reconciler)
	a.dispatcher.Listen(a.orchestrator, a.watcher)

	if len(cfg.Kafka.Brokers) > 0 {
		if a.kafka, err = notification.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			return nil, err
		}
		a.kafka.Listen(a.orchestrator)
	}
	return a, nil
}

func (a *App) openDatabase() error {
	var err error
	switch a.cfg.Database.Driver {
	case "postgres":
		a.db, err = services.NewPostgresDBService(a.cfg.Database.DSN)
	default:
		a.db, err = services.NewSqliteDBService(a.cfg.Database.DSN)
	}
	if err != nil {
		return errors.Wrap(err, "failed to initialize database service")
	}
	return nil
}

// loadChains returns the networks to connect. A networks file is synced into
// the chain table and used as is; otherwise the active chains stored in the
// database are used.
func (a *App) loadChains(ctx context.Context) ([]models.Chain, error) {
	if a.cfg.NetworksFile == "" {
		chains, err := a.services.Chains.ListActiveChains(ctx)
		return chains, errors.Wrap(err, "failed to list chains")
	}

	chains, err := config.LoadNetworks(a.cfg.NetworksFile)
	if err != nil {
		return nil, err
	}
	var active []models.Chain
	for i := range chains {
		if !chains[i].IsActive {
			continue
		}
		if err := a.services.Chains.UpsertChain(ctx, &chains[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to store network %s", chains[i].Name)
		}
		active = append(active, chains[i])
	}
	return active, nil
}

func (a *App) usageStore(ctx context.Context) (usageStore, error) {
	if a.cfg.Redis.Addr == "" {
		return a.services.Usage, nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", a.cfg.Redis.Addr)
	}
	return ratelimit.NewRedisUsageStore(&ratelimit.RedisUsageStoreConfig{
		Redis:     a.redis,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
	})
}

// Run restores contract watches, starts the reconciler and polls contract
// events until ctx is done.
func (a *App) Run(ctx context.Context) error {
	watched, err := a.contractWatch.Restore(ctx, a.services.Deployments)
	if err != nil {
		return err
	}
	log.Info("restored contract watches", "contracts", watched, "networks", len(a.pollers))

	if err := a.reconciler.Start(ctx); err != nil {
		return err
	}
	defer a.reconciler.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, poller := range a.pollers {
		poller := poller
		group.Go(func() error {
			return poller.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	return group.Wait()
}

// NewMCPServer exposes the pipeline as MCP tools.
func (a *App) NewMCPServer() *mcp.MCPServer {
	return mcp.NewMCPServer(mcp.Deps{
		Deployer:      a.orchestrator,
		RateLimits:    a.limiter,
		Notifications: a.dispatcher,
		Chains:        a.services.Chains,
		DefaultKeyRef: a.cfg.Keys.Default,
	})
}

// NewAPIServer exposes the pipeline over HTTP, with the MCP tools mounted at
// /mcp.
func (a *App) NewAPIServer() (*api.APIServer, error) {
	auth := middleware.DefaultAuthConfig()
	auth.ResourceID = a.cfg.HTTP.ResourceID
	if a.cfg.HTTP.JWKSURL != "" {
		auth.JWTAuthenticator = utils.NewJwtAuthenticator(a.cfg.HTTP.JWKSURL)
	} else {
		log.Warn("no jwks url configured, trusting the " + middleware.UserIDHeader + " header")
	}

	apiServer, err := api.NewAPIServer(api.Options{
		Deployer:          a.orchestrator,
		RateLimits:        a.limiter,
		Notifications:     a.dispatcher,
		Auth:              auth,
		RequestsPerMinute: a.cfg.HTTP.RequestsPerMinute,
		DefaultKeyRef:     a.cfg.Keys.Default,
	})
	if err != nil {
		return nil, err
	}
	apiServer.SetMCPServer(a.NewMCPServer())
	if err := apiServer.EnableStreamableHttp(); err != nil {
		return nil, err
	}
	return apiServer, nil
}

// Tokens exposes the token configuration store that deployments read from.
func (a *App) Tokens() services.TokenService {
	return a.services.Tokens
}

func (a *App) Dispatcher() *notification.Dispatcher {
	return a.dispatcher
}

func (a *App) Orchestrator() *deployer.Orchestrator {
	return a.orchestrator
}

// Close stops the pipeline. Event producers are closed before their
// consumers so that events published while stopping still reach the
// notification feed and the Kafka sink.
func (a *App) Close() error {
	var errs error
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.dispatcher != nil {
		errs = errors.CombineErrors(errs, a.dispatcher.Close())
	}
	if a.kafka != nil {
		errs = errors.CombineErrors(errs, a.kafka.Close())
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.redis != nil {
		errs = errors.CombineErrors(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = errors.CombineErrors(errs, a.db.Close())
	}
	return errs
}
