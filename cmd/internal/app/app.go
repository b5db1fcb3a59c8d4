// Package app wires the courier runtime: config, logging, storage, presence,
// the cross-node bus, HTTP routes and the WebSocket gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/delivery"
	"courier/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the courier server runtime. It owns every external connection it opens.
type App struct {
	cfg    Config
	log    Logger
	nodeID string

	pool *pgxpool.Pool
	rdb  *redis.Client
	nc   *nats.Conn
	bus  *delivery.NATSBus

	reg     *prometheus.Registry
	svc     *delivery.Service
	gateway *realtime.Gateway
	api     *chatapi.Handler
}

// New constructs a fully wired App. Postgres, Redis and NATS are each optional;
// without them the node runs standalone on in-memory state.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	dcfg, err := cfg.deliveryConfig()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, reg: newMetricsRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.nodeID, err = resolveNodeID(cfg); err != nil {
		return nil, err
	}
	metrics := delivery.NewMetrics(a.reg)

	var store delivery.Store = delivery.NewInMemoryStore()
	if cfg.DatabaseURL != "" {
		if a.pool, err = NewDBPool(ctx, cfg); err != nil {
			return nil, err
		}
		if store, err = openPostgresStore(ctx, cfg, a.pool, log); err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	} else {
		log.Info("db.disabled.inmemory_store")
	}

	var presence delivery.PresenceTracker = delivery.NewMemoryPresence()
	if cfg.RedisAddr != "" {
		if a.rdb, err = NewRedisClient(ctx, cfg); err != nil {
			return nil, err
		}
		if presence, err = delivery.NewRedisPresence(a.rdb, delivery.WithPresenceTTL(cfg.PresenceTTL)); err != nil {
			return nil, err
		}
		log.Info("presence.enabled.redis", "addr", cfg.RedisAddr)
	}

	var bus delivery.Bus
	if cfg.NATSURL != "" {
		if a.nc, a.bus, err = newNATSBus(cfg, a.nodeID, log, metrics); err != nil {
			return nil, err
		}
		bus = a.bus
		log.Info("bus.enabled.nats", "subject_prefix", cfg.NATSSubjectPrefix)
	}

	a.svc = delivery.NewService(log.With("node_id", a.nodeID), store, dcfg, presence, bus, metrics)

	ident := identity.NewHeaderResolver(cfg.IdentityHeader, cfg.IdentityAllowQuery)
	a.gateway = realtime.NewGateway(log, a.svc, ident, realtime.Config{
		AllowedOrigins: cfg.WSAllowedOrigins,
		OriginRequired: cfg.WSOriginRequired,
		DevInsecure:    cfg.WSDevInsecure,
		RateEvents:     cfg.WSRateEvents,
		RateWindow:     cfg.WSRateWindow,
	})
	a.api = chatapi.NewHandler(log, a.svc, ident, chatapi.Config{MaxBodyBytes: cfg.MaxBodyBytes})

	return a, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	return a.routes()
}

// Run serves HTTP and the delivery background loops until ctx is cancelled or a
// component fails, then drains connections and releases resources.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"node_id", a.nodeID,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.rdb != nil,
		"nats_enabled", a.nc != nil,
	)

	// The sweeper and bus subscription outlive ctx so connections keep receiving
	// messages while they drain.
	svcCtx, stopSvc := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSvc()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.svc.Run(svcCtx); err != nil {
			a.log.Error("delivery.run.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopSvc()
		return a.shutdown(srv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// shutdown drains live connections first so clients get a drain notice, then
// stops accepting HTTP.
func (a *App) shutdown(srv *http.Server) error {
	a.log.Info("server.stop", "reason", "context_done", "connections", a.svc.Registry().Len())

	drainCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.DrainGrace, 10*time.Second))
	if err := a.svc.Drain(drainCtx); err != nil {
		a.log.Warn("server.drain.incomplete", "err", err)
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	return nil
}

// close releases external resources in reverse dependency order.
func (a *App) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("bus.close.fail", "err", err)
		}
		a.bus = nil
	}
	if a.nc != nil {
		a.nc.Close()
		a.nc = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.rdb = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
