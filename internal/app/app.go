package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"portalwatch/internal/config"
	ctltg "portalwatch/internal/control/telegram"
	"portalwatch/internal/control/httpapi"
	"portalwatch/internal/eventbus"
	"portalwatch/internal/extractor"
	"portalwatch/internal/monitor"
	"portalwatch/internal/notify"
	rtsup "portalwatch/internal/runtime/supervisor"
	"portalwatch/internal/storage"
	logx "portalwatch/pkg/logx"
)

// ErrNotStarted is returned by monitor controls before Start.
var ErrNotStarted = errors.New("app not started")

// App wires config, logging, the monitor and its control surfaces.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	events *monitor.EventLog
	sched  *monitor.Scheduler
	portal atomic.Pointer[extractor.Portal]

	store       storage.Store
	audit       *auditWriter
	auditCancel context.CancelFunc
	auditDone   chan struct{}

	bot  *ctltg.Bot
	http *httpapi.Server

	supMu sync.RWMutex
	sup   *rtsup.Supervisor
}

var (
	_ ctltg.Controller   = (*App)(nil)
	_ httpapi.Controller = (*App)(nil)
)

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logConfig(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log, bus: eventbus.New()}
	a.setLogSender(cfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a.events = monitor.NewEventLog(cfg.Monitor.EventLogSizeOrDefault())
	a.events.AddSink(func(e monitor.Event) {
		a.bus.Publish(eventbus.Event{Type: eventbus.TopicMonitorEvent, Time: e.At, Data: e})
	})

	scfg, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.audit = newAuditWriter(st, log.With(logx.String("comp", "audit")))
		a.events.AddSink(a.audit.Enqueue)
		log.Info("event audit enabled", logx.String("driver", scfg.Driver), logx.String("path", scfg.Path))
	}

	a.portal.Store(extractor.New(extractorOptions(cfg, log.With(logx.String("comp", "extractor")))))
	a.sched = monitor.New(context.Background(), extractorFunc(a.extract),
		notify.Factory(notify.Options{
			APIURL: strings.TrimSpace(cfg.Telegram.APIURL),
			Logger: log.With(logx.String("comp", "notify")),
		}),
		monitor.WithLogger(log.With(logx.String("comp", "monitor"))),
		monitor.WithEventLog(a.events),
		monitor.WithSpawner(a.spawn),
		monitor.WithStateHook(func(st monitor.Status) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TopicStateChanged, Data: st})
		}),
	)

	if cfg.Telegram.Commands {
		if err := a.buildBot(cfg); err != nil {
			return nil, err
		}
	}
	if h := cfg.HTTP; h != nil && h.Enabled {
		var reader httpapi.AuditReader
		if a.store != nil {
			reader = a.store
		}
		a.http = httpapi.New(httpapi.Config{Addr: h.AddrOrDefault(), Token: strings.TrimSpace(h.Token)},
			a, reader, log.With(logx.String("comp", "http")))
		a.http.SetFeed(a.bus)
		a.http.SetRuntime(a.runtimeCounters)
	}
	return a, nil
}

func (a *App) buildBot(cfg *config.Config) error {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	blog := a.log.With(logx.String("comp", "telegram.control"))
	router := ctltg.NewRouter(ctltg.Commands(a, cfg.Monitor.Location()),
		ctltg.MWPanicRecover(blog),
		ctltg.MWRequestLog(blog),
		ctltg.MWOwnerOnly(func() []int64 {
			if c := a.cfgm.Get(); c != nil {
				return c.Telegram.OwnerUserIDs
			}
			return nil
		}),
		ctltg.MWRateLimit(2*time.Second, 3),
	)
	bot, err := ctltg.NewBot(ctltg.BotConfig{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		PollTimeout: poll,
	}, router, blog)
	if err != nil {
		return fmt.Errorf("telegram commands: %w", err)
	}
	a.bot = bot
	return nil
}

// setLogSender points the Telegram log sink at the notification chat.
func (a *App) setLogSender(cfg *config.Config) {
	if !cfg.Logging.Telegram.Enabled {
		a.logs.SetSender(nil)
		return
	}
	tg, err := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID, notify.Options{APIURL: cfg.Telegram.APIURL})
	if err != nil {
		a.log.Warn("telegram log sink disabled", logx.Err(err))
		a.logs.SetSender(nil)
		return
	}
	a.logs.SetSender(tg)
}

type extractorFunc func(ctx context.Context, creds monitor.Credentials, loc monitor.Locator) (string, error)

func (f extractorFunc) Extract(ctx context.Context, creds monitor.Credentials, loc monitor.Locator) (string, error) {
	return f(ctx, creds, loc)
}

func (a *App) extract(ctx context.Context, creds monitor.Credentials, loc monitor.Locator) (string, error) {
	return a.portal.Load().Extract(ctx, creds, loc)
}

// spawn runs the monitor loop under the app supervisor.
func (a *App) spawn(name string, fn func(ctx context.Context)) {
	a.supMu.RLock()
	sup := a.sup
	a.supMu.RUnlock()
	sup.Go0(name, fn)
}

// runtimeCounters reports the app supervisor's goroutines; zero before Start.
func (a *App) runtimeCounters() rtsup.Counters { return a.supervisor().Counters() }

func (a *App) supervisor() *rtsup.Supervisor {
	a.supMu.RLock()
	defer a.supMu.RUnlock()
	return a.sup
}

// Done is closed when the app's run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if sup := a.supervisor(); sup != nil {
		return sup.Context().Done()
	}
	return nil
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if sup := a.supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

// StartMonitor starts a run from the committed config. Portal and monitor
// settings are read here, so edits take effect on the next start.
func (a *App) StartMonitor(ctx context.Context) error {
	if a.supervisor() == nil {
		return ErrNotStarted
	}
	cfg := a.cfgm.Get()
	if a.sched.Status().State == monitor.StateStopped {
		a.portal.Store(extractor.New(extractorOptions(cfg, a.log.With(logx.String("comp", "extractor")))))
	}
	return a.sched.Start(ctx, monitorSettings(cfg))
}

func (a *App) StopMonitor(ctx context.Context) error {
	if a.supervisor() == nil {
		return ErrNotStarted
	}
	return a.sched.Stop(ctx)
}

func (a *App) Status() monitor.Status { return a.sched.Status() }

func (a *App) Events(n int) []monitor.Event { return a.events.Recent(n) }

func (a *App) Start(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.supMu.Lock()
	a.sup = sup
	a.supMu.Unlock()

	if a.audit != nil {
		// Own lifetime: the writer must outlive the monitor's final events.
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.auditCancel = cancel
		a.auditDone = make(chan struct{})
		go func() {
			defer close(a.auditDone)
			a.audit.Run(actx)
		}()
	}

	if a.bot != nil {
		if err := a.bot.Start(sup.Context()); err != nil {
			return err
		}
	}
	if a.http != nil {
		sup.Go("http.api", a.http.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch d := e.Data.(type) {
				case monitor.Event:
					a.log.Debug("event", logx.String("type", e.Type), logx.String("kind", string(d.Kind)), logx.Uint64("seq", d.Seq))
				case monitor.Status:
					a.log.Debug("event", logx.String("type", e.Type), logx.String("state", string(d.State)))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig applies what can change live and flags what cannot.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, fields := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "http":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		case "portal", "monitor":
			if a.sched.Status().State != monitor.StateStopped {
				a.log.Info("monitor settings changed; applied on next start", logx.String("section", s))
			}
		case "telegram":
			if oldCfg == nil || oldCfg.Telegram.Commands != newCfg.Telegram.Commands ||
				oldCfg.Telegram.Token != newCfg.Telegram.Token {
				a.log.Warn("telegram command settings changed; restart required")
			}
		}
	}

	a.setLogSender(newCfg)
	a.logs.Apply(logConfig(newCfg))

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sup := a.supervisor()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop the monitor before canceling the run context, so the run ends
	// through its normal path and the stop event is recorded.
	a.step(ctx, "monitor.stop", 5*time.Second, func(c context.Context) error {
		err := a.sched.Stop(c)
		if errors.Is(err, monitor.ErrNotRunning) {
			return nil
		}
		return err
	})

	sup.Cancel()

	if a.bot != nil {
		a.step(ctx, "telegram.stop", 3*time.Second, a.bot.Stop)
	}
	a.step(ctx, "supervisor.wait", 5*time.Second, sup.Wait)

	if a.audit != nil {
		a.step(ctx, "audit.drain", auditDrainTimeout+time.Second, func(c context.Context) error {
			a.auditCancel()
			select {
			case <-a.auditDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	if a.store != nil {
		a.step(ctx, "storage.close", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	a.step(ctx, "logs.close", time.Second, func(context.Context) error { return a.logs.Close() })
	return nil
}

// step runs one shutdown step with an upper bound so a single component
// can't stall the whole stop. fn must honor its ctx.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
