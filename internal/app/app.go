// Package app wires the engine together: config, logging, storage, the
// processing pipeline, the HTTP surface and the background ticker, with hot
// config reload for the knobs that can change live.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/trilliondigital/near-me-sub002/internal/api"
	"github.com/trilliondigital/near-me-sub002/internal/config"
	"github.com/trilliondigital/near-me-sub002/internal/dedup"
	"github.com/trilliondigital/near-me-sub002/internal/delivery"
	"github.com/trilliondigital/near-me-sub002/internal/eventbus"
	"github.com/trilliondigital/near-me-sub002/internal/intake"
	"github.com/trilliondigital/near-me-sub002/internal/place"
	"github.com/trilliondigital/near-me-sub002/internal/prefs"
	"github.com/trilliondigital/near-me-sub002/internal/processor"
	"github.com/trilliondigital/near-me-sub002/internal/retryqueue"
	rtsup "github.com/trilliondigital/near-me-sub002/internal/runtime/supervisor"
	"github.com/trilliondigital/near-me-sub002/internal/scheduler"
	"github.com/trilliondigital/near-me-sub002/internal/storage"
	"github.com/trilliondigital/near-me-sub002/internal/suppress"
	"github.com/trilliondigital/near-me-sub002/internal/ticker"
	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

type Option func(*options)

type options struct {
	deliverer delivery.Deliverer
	places    place.Lookup
}

// WithDeliverer injects the product's push transport.
func WithDeliverer(d delivery.Deliverer) Option {
	return func(o *options) { o.deliverer = d }
}

// WithPlaceLookup injects the product's POI service.
func WithPlaceLookup(l place.Lookup) Option {
	return func(o *options) { o.places = l }
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dedup *dedup.Store
	proc  *processor.Processor
	sched *scheduler.Service
	sup2  *suppress.Manager
	queue *retryqueue.Queue
	prefs *prefs.Registry
	tick  *ticker.Ticker

	srv *http.Server
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Storage is optional; without it the engine runs purely in memory.
	store, err := storage.Open(cfg.StoreConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}
	// Anything opened so far must not leak when a later wiring step fails.
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	loc, err := cfg.Engine.Location()
	if err != nil {
		return fail(err)
	}

	dedupCfg, err := mapDedupConfig(cfg)
	if err != nil {
		return fail(err)
	}
	dedupStore := dedup.New(dedupCfg, store)

	prefReg := prefs.NewRegistry(prefs.Defaults{
		MaxPerHour:      cfg.Engine.Defaults.MaxPerHour,
		QuietHoursStart: cfg.Engine.Defaults.QuietStart,
		QuietHoursEnd:   cfg.Engine.Defaults.QuietEnd,
		Timezone:        loc,
		BundlingEnabled: cfg.Engine.Defaults.Bundling,
	})

	deliverer := o.deliverer
	if deliverer == nil {
		// Dev fallback: the real push transport is supplied by the product.
		dlog := log.With(logx.String("comp", "delivery"))
		deliverer = delivery.Func(func(_ context.Context, p delivery.Payload) error {
			dlog.Info("delivered", logx.String("user", p.UserID))
			return nil
		})
	}
	places := o.places
	if places == nil {
		places = place.Static{}
	}
	places = place.WithTimeout(places, 2*time.Second)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	schedSvc := scheduler.New(schedCfg, deliverer, store, bus, log.With(logx.String("comp", "scheduler")))

	supMgr := suppress.New(suppress.Config{Timezone: loc}, schedSvc, store, bus, log.With(logx.String("comp", "suppress")))

	bucket, err := config.ParseDurationOrDefault("engine.dedup.bucket", cfg.Engine.Dedup.Bucket, 5*time.Minute)
	if err != nil {
		return fail(err)
	}
	proc := processor.New(processor.Config{Bucket: bucket, Timezone: loc},
		dedupStore, supMgr, prefReg, store, bus, log.With(logx.String("comp", "processor")))

	bcfg, err := mapBundlerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	pipeline := intake.New(proc, schedSvc, prefReg, places, bcfg, log.With(logx.String("comp", "intake")))

	queueCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return fail(err)
	}
	queue := retryqueue.New(queueCfg, pipeline, bus, log.With(logx.String("comp", "retryqueue")))

	tickCfg, err := mapTickerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	tick := ticker.New(tickCfg, ticker.Targets{
		Suppress: supMgr,
		Queue:    queue,
		Sched:    schedSvc,
		Dedup:    dedupStore,
		Store:    store,
	}, log.With(logx.String("comp", "ticker")))

	h := api.NewHandler(pipeline, queue, supMgr, schedSvc, proc, prefReg, store, bcfg, log.With(logx.String("comp", "api")))
	router := api.Setup(h, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		dedup:   dedupStore,
		proc:    proc,
		sched:   schedSvc,
		sup2:    supMgr,
		queue:   queue,
		prefs:   prefReg,
		tick:    tick,
		srv: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reject bad hot reloads before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.sched.Start(a.sup.Context())
	if err := a.tick.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("http.serve", func(c context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.srv.ListenAndServe() }()
		select {
		case <-c.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.srv.Shutdown(sctx)
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	// Hot reload fan-out: logging and scheduler knobs apply live; storage and
	// server address changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keep only the latest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	// Debug trace of engine lifecycle events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("user", e.UserID))
			}
		}
	})

	a.log.Info("engine started", logx.String("addr", a.srv.Addr))
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(cfg.LogxConfig())
	if sc, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(sc)
	}
	a.log.Info("config applied",
		logx.String("level", cfg.Logging.Level),
		logx.Int("sched_workers", cfg.Engine.Scheduler.Workers))
}

func (a *App) Stop(ctx context.Context) error {
	if a.tick != nil {
		a.tick.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
