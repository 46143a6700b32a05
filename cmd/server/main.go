package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bcnelson/hunt-foreman/internal/api"
	"github.com/bcnelson/hunt-foreman/internal/approval"
	"github.com/bcnelson/hunt-foreman/internal/auth"
	"github.com/bcnelson/hunt-foreman/internal/config"
	"github.com/bcnelson/hunt-foreman/internal/dispatch"
	"github.com/bcnelson/hunt-foreman/internal/flows"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
	"github.com/bcnelson/hunt-foreman/internal/hunt"
	"github.com/bcnelson/hunt-foreman/internal/logging"
	"github.com/bcnelson/hunt-foreman/internal/metrics"
	"github.com/bcnelson/hunt-foreman/internal/notify"
	"github.com/bcnelson/hunt-foreman/internal/service"
	"github.com/bcnelson/hunt-foreman/internal/storage"
	"github.com/bcnelson/hunt-foreman/internal/storage/sql"
	"github.com/bcnelson/hunt-foreman/internal/tailscale"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("Invalid logging configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server stopped")
}

func bootLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &l
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	}

	// Initialize storage
	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Without NATS, actions go back in check-in responses and approval
	// events only reach the log.
	var (
		dispatcher foreman.Dispatcher = dispatch.ResponseDispatcher{}
		notifier   notify.Notifier    = notify.NewLogNotifier(logger)
	)
	if cfg.NATS.Enabled() {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("hunt-foreman"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return err
		}
		defer nc.Drain()

		logger.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		dispatcher = dispatch.NewNATSDispatcher(nc, cfg.NATS.DispatchSubject,
			cfg.Dispatch.MaxRetries, cfg.Dispatch.RetryInterval, logger)
		notifier = notify.NewNATSNotifier(nc, cfg.NATS.ApprovalSubject, logger)
	}

	c, err := newCore(ctx, cfg, store, dispatcher, notifier, logger, m)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Store:        store,
		Engine:       c.engine,
		Hunts:        c.hunts,
		Approvals:    c.approvals,
		Flows:        c.flows,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		BootstrapKey: cfg.Auth.BootstrapAPIKey,
		Logger:       logger,
	}

	if cfg.OIDC.Enabled {
		provider, err := auth.NewOIDCProvider(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.ClientSecret,
			cfg.OIDC.RedirectURL, cfg.OIDC.GetScopes(), cfg.OIDC.GetAllowedDomains())
		if err != nil {
			return err
		}
		secret, err := cfg.OIDC.GetStateSecretBytes()
		if err != nil {
			return err
		}
		logins, err := auth.NewLoginStates(secret, cfg.OIDC.SecureCookies)
		if err != nil {
			return err
		}
		deps.OIDC = provider
		deps.Logins = logins
		logger.Info().Str("issuer", cfg.OIDC.IssuerURL).Msg("OIDC login enabled")
	}

	// Initialize the tailnet inventory (or file shim for testing)
	if cfg.InventoryEnabled() {
		var source tailscale.DeviceLister
		if cfg.UseFileShim() {
			logger.Info().Str("path", cfg.Tailscale.FileShim).Msg("Using file shim for device inventory")
			source = tailscale.NewFileShim(cfg.Tailscale.FileShim)
		} else {
			client, err := tailscale.New(cfg.Tailscale.APIKey, cfg.Tailscale.Tailnet)
			if err != nil {
				return err
			}
			source = client
		}
		deps.Poller = service.NewInventoryPoller(source, c.engine, cfg.Tailscale.PollInterval, logger)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Int("rules", len(c.engine.Rules())).Msg("Starting hunt foreman")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return c.engine.Run(gctx, cfg.Fleet.SweepInterval)
	})
	if deps.Poller != nil {
		g.Go(func() error {
			return deps.Poller.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// core is the hunt machinery shared by every transport.
type core struct {
	engine    *foreman.Engine
	approvals *approval.Coordinator
	hunts     *hunt.Service
	flows     *flows.Registry
}

// newCore wires the foreman, approvals and hunt service, then restores the
// persisted rule set. The hunt service subscribes to rule expiry in its
// constructor, so rules that expired while the process was down stop their
// hunts during Load.
func newCore(ctx context.Context, cfg *config.Config, store storage.Storage, dispatcher foreman.Dispatcher,
	notifier notify.Notifier, logger zerolog.Logger, m *metrics.Metrics) (*core, error) {
	engine := foreman.New(store, dispatcher,
		foreman.WithLogger(logger),
		foreman.WithMetrics(m),
	)
	approvals := approval.New(store, notifier, approval.Policy{
		Threshold:         cfg.Fleet.ApprovalThreshold,
		AllowSelfApproval: cfg.Fleet.AllowSelfApproval,
		Expiry:            cfg.Fleet.ApprovalExpiry,
	},
		approval.WithLogger(logger),
		approval.WithMetrics(m),
	)
	registry := flows.Builtin()
	hunts := hunt.NewService(store, engine, approvals, registry, hunt.Policy{
		RuleExpiry:      cfg.Fleet.RuleExpiry,
		RequireApproval: cfg.Fleet.RequireApproval,
	},
		hunt.WithLogger(logger),
		hunt.WithMetrics(m),
	)

	if err := engine.Load(ctx, engine.Now()); err != nil {
		return nil, err
	}
	return &core{engine: engine, approvals: approvals, hunts: hunts, flows: registry}, nil
}
