package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/config"
	"github.com/keyleu/secure-messaging/internal/contracts/controller"
	"github.com/keyleu/secure-messaging/internal/contracts/messages"
	"github.com/keyleu/secure-messaging/internal/contracts/profiles"
	"github.com/keyleu/secure-messaging/internal/database"
	"github.com/keyleu/secure-messaging/internal/database/migrations"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/events"
	"github.com/keyleu/secure-messaging/internal/engine/metrics"
	"github.com/keyleu/secure-messaging/internal/engine/store"
	"github.com/keyleu/secure-messaging/internal/httpapi"
	"github.com/keyleu/secure-messaging/internal/middleware"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

// controllerSeq is the instance sequence the genesis controller receives.
// Genesis instantiates it before anything else, so it is always 1.
const controllerSeq = 1

// Codes holds the code ids assigned at boot.
type Codes struct {
	Profiles   uint64
	Messages   uint64
	Controller uint64
}

// Options carries dependencies that override the configuration.
type Options struct {
	// Backend replaces the configured storage backend.
	Backend store.Backend
	// Migrate applies SQL migrations before loading postgres state.
	Migrate bool
	Logger  *logger.Logger
}

// Application is a booted node.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *sqlx.DB
	server *http.Server

	Engine     *engine.Engine
	Events     *events.RingBuffer
	Metrics    *metrics.Collector
	Gateway    *httpapi.Server
	Codes      Codes
	Controller string
}

// New opens storage, boots the engine and prepares the gateway. The HTTP
// server is not started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	a := &Application{
		cfg:     cfg,
		log:     log,
		Events:  events.NewRingBuffer(cfg.Ledger.EventBuffer),
		Metrics: metrics.NewCollector(cfg.Ledger.MetricsNamespace),
	}

	backend := opts.Backend
	if backend == nil && cfg.Ledger.Storage == config.StoragePostgres {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if opts.Migrate {
			if err := migrations.Apply(ctx, db.DB); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			log.Info("database migrations applied")
		}
		backend = database.NewBackend(db)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithMetrics(a.Metrics),
		engine.WithEventLog(a.Events),
		engine.WithChainID(cfg.Ledger.ChainID),
		engine.WithMaxCallDepth(cfg.Ledger.MaxCallDepth),
	}
	if backend != nil {
		engineOpts = append(engineOpts, engine.WithBackend(backend))
	}
	a.Engine = engine.New(engineOpts...)
	a.Codes = registerCodes(a.Engine)

	if err := a.Engine.Open(ctx); err != nil {
		a.closeDB()
		return nil, err
	}

	controllerAddr, err := a.bootstrap(ctx)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.Controller = controllerAddr

	a.Gateway = httpapi.New(httpapi.Options{
		Ledger:      a.Engine,
		Events:      a.Events,
		Auth:        middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log.Named("auth")),
		Metrics:     a.Metrics,
		Logger:      log.Named("httpapi"),
		Controller:  controllerAddr,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		CORSOrigins: cfg.Server.CORSOrigins,

		MaxConcurrentQueries: cfg.Server.MaxQueries,
		MaxStreams:           cfg.Server.MaxStreams,
	})
	return a, nil
}

func registerCodes(e *engine.Engine) Codes {
	return Codes{
		Profiles:   e.StoreCode(profiles.ContractName, profiles.Contract{}),
		Messages:   e.StoreCode(messages.ContractName, messages.Contract{}),
		Controller: e.StoreCode(controller.ContractName, controller.Contract{}),
	}
}

// bootstrap seeds a fresh ledger from genesis, or locates the controller
// of an existing one.
func (a *Application) bootstrap(ctx context.Context) (string, error) {
	gen := a.cfg.Genesis
	if gen.Admin == "" {
		if a.Engine.Height() == 0 {
			a.log.Warn("genesis.admin not set; ledger starts without a controller")
		}
		return "", nil
	}

	addr := engine.DeriveContractAddress(gen.Admin, a.Codes.Controller, controllerSeq)
	if a.Engine.Height() > 0 {
		info, err := a.Engine.ContractInfo(addr)
		if err != nil {
			return "", fmt.Errorf("locate controller %s: %w", addr, err)
		}
		if info.CodeID != a.Codes.Controller {
			return "", fmt.Errorf("contract %s has code %d, want controller code %d", addr, info.CodeID, a.Codes.Controller)
		}
		a.log.WithField("controller", addr).Info("controller located")
		return addr, nil
	}

	balances := make([]engine.GenesisBalance, 0, len(gen.Balances))
	for _, b := range gen.Balances {
		coins, err := coin.ParseCoins(b.Coins)
		if err != nil {
			return "", fmt.Errorf("genesis balance for %s: %w", b.Address, err)
		}
		balances = append(balances, engine.GenesisBalance{Address: b.Address, Coins: coins})
	}

	msg, err := controllerInstantiateMsg(gen.Controller, a.Codes)
	if err != nil {
		return "", err
	}
	res, err := a.Engine.Genesis(ctx, balances, gen.Admin, engine.WasmInstantiate{
		CodeID: a.Codes.Controller,
		Msg:    msg,
		Admin:  gen.Admin,
		Label:  "MESSAGING-CONTROLLER",
	})
	if err != nil {
		return "", fmt.Errorf("apply genesis: %w", err)
	}
	if res.ContractAddress != addr {
		return "", fmt.Errorf("controller instantiated at %s, expected %s", res.ContractAddress, addr)
	}

	a.log.WithFields(map[string]interface{}{
		"controller": addr,
		"height":     res.Height,
		"balances":   len(gen.Balances),
	}).Info("genesis applied")
	return addr, nil
}

func controllerInstantiateMsg(g config.ControllerGenesis, codes Codes) ([]byte, error) {
	profileCost, err := g.ProfileCost()
	if err != nil {
		return nil, err
	}
	messageCost, err := g.MessageCost()
	if err != nil {
		return nil, err
	}
	return engine.EncodeMsg(controller.InstantiateMsg{
		CodeIDProfiles:    codes.Profiles,
		CodeIDMessages:    codes.Messages,
		CreateProfileCost: profileCost,
		SendMessageCost:   messageCost,
		MessageMaxLen:     g.MessageMaxLen,
		DefaultQueryLimit: g.DefaultQueryLimit,
		MaxQueryLimit:     g.MaxQueryLimit,
	})
}

// Start serves the gateway in the background. Serve errors other than a
// clean shutdown are sent on the returned channel.
func (a *Application) Start() <-chan error {
	errCh := make(chan error, 1)
	a.server = &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.Gateway.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	go func() {
		a.log.WithField("addr", a.cfg.Server.Addr).Info("gateway listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop shuts the gateway down and closes storage.
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown gateway: %w", err))
		}
	}
	if err := a.closeDB(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

func (a *Application) closeDB() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
