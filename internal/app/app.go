// Package app assembles the bot: config, logging, storage, the Canvas
// client, the Telegram adapter, the command router and the coordinator.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classbot/internal/canvas"
	"classbot/internal/config"
	"classbot/internal/coordinator"
	"classbot/internal/notify"
	"classbot/internal/observability/pprof"
	"classbot/internal/poller"
	"classbot/internal/reminder"
	"classbot/internal/storage"
	"classbot/internal/telegram"
	"classbot/internal/transport"
	tgadapter "classbot/internal/transport/telegram"
	"classbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	adapter *tgadapter.Adapter
	router  *telegram.Router
	coord   *coordinator.Coordinator
	pprof   *pprof.Service

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// dur resolves an already-validated duration field; config.Manager rejects
// malformed values at load time, so the error path cannot trigger here.
func dur(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// New loads the config at cfgPath and builds every component. Nothing is
// running yet; Start does that.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: dur(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	cv, err := canvas.New(canvas.Config{
		BaseURL:        cfg.Canvas.BaseURL,
		RequestTimeout: dur(cfg.Canvas.RequestTimeout, 15*time.Second),
		RatePerSec:     cfg.Canvas.RatePerSec,
	}, log.With(logx.String("svc", "canvas")))
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("canvas client: %w", err)
	}

	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: dur(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("svc", "telegram")))
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	lookback := dur(cfg.Canvas.AnnouncementLookback, 7*24*time.Hour)
	window := dur(cfg.Canvas.AssignmentWindow, 90*24*time.Hour)

	p := poller.New(poller.Config{
		AnnouncementLookback: lookback,
		AssignmentWindow:     window,
	}, cv, log.With(logx.String("svc", "poller")))
	dedup := poller.NewDedupFilter(store, log.With(logx.String("svc", "dedup")))
	sched := reminder.NewScheduler(reminder.Config{
		MaxAttempts: cfg.Reminders.MaxAttempts,
	}, store, log.With(logx.String("svc", "reminder")))
	disp := notify.NewDispatcher(notify.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		SendTimeout: dur(cfg.Notify.SendTimeout, 10*time.Second),
	}, store, adapter, log.With(logx.String("svc", "notify")))

	coord := coordinator.New(coordinator.Config{
		Tick:          dur(cfg.Coordinator.Tick, 60*time.Second),
		PollBatchSize: cfg.Coordinator.PollBatchSize,
		PollWorkers:   cfg.Coordinator.PollWorkers,
		UserTimeout:   dur(cfg.Coordinator.UserTimeout, 30*time.Second),
		SeenRetention: dur(cfg.Coordinator.SeenRetention, 180*24*time.Hour),
		PruneSchedule: cfg.Coordinator.PruneSchedule,
	}, store, p, dedup, sched, disp, log.With(logx.String("svc", "coordinator")))

	router := telegram.NewRouter(telegram.Config{
		AnnouncementLookback: lookback,
		CalendarMaxAhead:     window,
	}, store, cv, adapter, log.With(logx.String("svc", "router")))

	prof := pprof.New(pprof.Config{
		Enabled: cfg.Debug.PprofEnabled,
		Addr:    cfg.Debug.PprofAddr,
		Token:   cfg.Debug.PprofToken,
	}, log.With(logx.String("svc", "pprof")))

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		store:   store,
		adapter: adapter,
		router:  router,
		coord:   coord,
		pprof:   prof,
		updates: make(chan transport.Update, 128),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.pprof.Start(); err != nil {
		cancel()
		return fmt.Errorf("start pprof: %w", err)
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return fmt.Errorf("start telegram adapter: %w", err)
	}
	if err := a.coord.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start coordinator: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()

	// Config hot-reload: logging changes apply live, everything else needs
	// a restart.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	sub := a.cfgMgr.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
				})
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	}()

	a.log.Info("bot started")
	return nil
}

// Stop shuts the bot down: no new updates, finish the tick, flush, close.
func (a *App) Stop(ctx context.Context) error {
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram adapter stop", logx.Err(err))
	}
	a.coord.Stop(ctx)
	a.pprof.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	err := a.store.Close()
	a.log.Info("bot stopped")
	a.logSvc.Close()
	return err
}
