// Package app assembles the engine: config, identity router, driver
// registry, session pool, dispatcher, broadcaster, transports,
// scheduler, storage and metrics, plus the reload and shutdown
// choreography between them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/config"
	"agentdesk/internal/dispatch"
	"agentdesk/internal/driver"
	"agentdesk/internal/driver/panda"
	"agentdesk/internal/eventbus"
	"agentdesk/internal/httpapi"
	"agentdesk/internal/metrics"
	"agentdesk/internal/pool"
	"agentdesk/internal/router"
	"agentdesk/internal/runtime/supervisor"
	"agentdesk/internal/sched"
	"agentdesk/internal/storage"
	"agentdesk/internal/transport/telegram"
	"agentdesk/pkg/logx"
)

// shutdownGrace bounds how long leased sessions may finish after stop.
const shutdownGrace = 30 * time.Second

type App struct {
	log    logx.Logger
	logSvc *logx.Service
	mgr    *config.Manager
	bus    eventbus.Bus

	rt    *router.Router
	reg   *driver.Registry
	pool  *pool.Pool
	disp  *dispatch.Service
	bcast *broadcast.Service
	tg    *telegram.Service
	schd  *sched.Service
	store storage.Store

	collector *metrics.Collector
	promReg   *prometheus.Registry
	api       *httpapi.Server
}

// New loads the config file and wires every component. Nothing is
// running yet; Run starts the world.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogSettings())
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		log:    log,
		logSvc: logSvc,
		mgr:    mgr,
		bus:    eventbus.New(),
		rt:     router.New(log.With(logx.String("comp", "router"))),
		reg:    driver.NewRegistry(),
	}

	if err := a.registerTargets(cfg); err != nil {
		return nil, err
	}

	ids, err := cfg.RouterIdentities()
	if err != nil {
		return nil, err
	}
	if err := a.rt.Apply(ids); err != nil {
		return nil, err
	}

	poolCfg, err := cfg.PoolSettings()
	if err != nil {
		return nil, err
	}
	a.pool = pool.New(poolCfg, a.reg, log.With(logx.String("comp", "pool")), a.bus)

	dispCfg, err := cfg.DispatchSettings()
	if err != nil {
		return nil, err
	}
	a.disp = dispatch.New(dispCfg, poolAdapter{a.pool}, log.With(logx.String("comp", "dispatch")), a.bus)

	a.tg = telegram.New(telegram.Config{}, a, log.With(logx.String("comp", "telegram")))

	bcastCfg, err := cfg.BroadcastSettings()
	if err != nil {
		return nil, err
	}
	a.bcast = broadcast.New(bcastCfg, a.tg, log.With(logx.String("comp", "broadcast")))

	a.schd = sched.New(a, log.With(logx.String("comp", "sched")))

	storeCfg, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.New(a.promReg)

	if cfg.API.Listen != "" {
		shutdown, err := config.ParseDurationField("api.shutdown_timeout", cfg.API.ShutdownTimeout)
		if err != nil {
			return nil, err
		}
		a.api = httpapi.New(httpapi.Config{Listen: cfg.API.Listen, ShutdownTimeout: shutdown},
			a, a.rt, a.promReg, log.With(logx.String("comp", "httpapi")))
	}
	return a, nil
}

// registerTargets binds every configured panel to the driver registry.
// Targets are fixed for the process lifetime; adding one needs a
// restart, unlike identities which reload live.
func (a *App) registerTargets(cfg *config.Config) error {
	for name, t := range cfg.Targets {
		pc, err := t.PandaSettings()
		if err != nil {
			return err
		}
		if err := panda.Register(a.reg, name, pc, a.log); err != nil {
			return err
		}
	}
	a.log.Info("targets registered", logx.Int("count", len(cfg.Targets)))
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// the pipeline down back to front.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.disp.Start(sup.Context())

	if err := a.tg.Apply(a.rt.Identities()); err != nil {
		a.log.Warn("some bots failed to start", logx.Err(err))
	}
	if err := a.schd.Apply(a.rt.Identities()); err != nil {
		return err
	}

	sup.Go("config.watch", a.mgr.Watch)
	sup.Go0("config.reload", a.reloadLoop)
	sup.Go0("metrics.watch", func(ctx context.Context) {
		a.collector.Watch(ctx, a.bus, a.pool.Snapshot)
	})
	if a.api != nil {
		sup.Go("http.api", a.api.Run)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("agentdesk up")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	// Front to back: stop intake, then workers, then sessions.
	a.schd.Stop()
	a.tg.Stop()
	a.disp.Stop()

	pctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	if err := a.pool.Shutdown(pctx); err != nil {
		a.log.Warn("pool shutdown forced", logx.Err(err))
	}
	cancel()

	if a.store != nil {
		_ = a.store.Close()
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := sup.Stop(sctx)
	scancel()

	_ = a.logSvc.Close()
	return err
}

// reloadLoop applies config changes that are safe to swap live:
// logging, identities, bots and schedules. Pool and dispatcher sizing
// stays fixed until restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.mgr.Subscribe(2)
	defer a.mgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyReload(cfg)
		}
	}
}

func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(cfg.LogSettings())

	ids, err := cfg.RouterIdentities()
	if err != nil {
		a.log.Warn("reload: identities rejected", logx.Err(err))
		return
	}
	if err := a.rt.Apply(ids); err != nil {
		a.log.Warn("reload: identity snapshot rejected", logx.Err(err))
		return
	}
	if err := a.tg.Apply(a.rt.Identities()); err != nil {
		a.log.Warn("reload: some bots failed", logx.Err(err))
	}
	if err := a.schd.Apply(a.rt.Identities()); err != nil {
		a.log.Warn("reload: schedules rejected", logx.Err(err))
	}
	a.log.Info("reload applied", logx.Int("identities", len(ids)))
}

// poolAdapter narrows *pool.Pool to the dispatcher's SessionPool.
type poolAdapter struct {
	p *pool.Pool
}

func (pa poolAdapter) Acquire(ctx context.Context, target, jobID string) (dispatch.Lease, error) {
	s, err := pa.p.Acquire(ctx, target, jobID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (pa poolAdapter) Release(l dispatch.Lease, outcome pool.Outcome) {
	if s, ok := l.(*pool.Session); ok {
		pa.p.Release(s, outcome)
	}
}
