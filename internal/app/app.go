package app

import (
	"context"
	"time"

	"github.com/ergashev/TeleComfy/internal/comfy"
	"github.com/ergashev/TeleComfy/internal/config"
	"github.com/ergashev/TeleComfy/internal/dispatch"
	rtsup "github.com/ergashev/TeleComfy/internal/runtime/supervisor"
	"github.com/ergashev/TeleComfy/internal/sched"
	"github.com/ergashev/TeleComfy/internal/task"
	"github.com/ergashev/TeleComfy/internal/task/archive"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

const (
	updateBuffer = 256

	// Finalized tasks stay in memory for storeKeep so regen buttons hit
	// the fast path, then the periodic prune hands lookups to the archive.
	storeKeep        = 30 * time.Minute
	storePrunePeriod = 5 * time.Minute
)

// App wires the bot together: chat adapter in, scheduler and dispatcher in
// the middle, generation backend out.
type App struct {
	cfg *config.Config
	log logx.Logger

	adapter transport.Adapter
	repo    *topics.Repository
	store   *task.Store
	sched   *sched.Scheduler
	backend *comfy.Client
	disp    *dispatch.Dispatcher
	arch    *archive.Archive

	updates chan transport.Update
	albums  *albumCollector
}

// New assembles the application. The adapter is passed in because the log
// service may already share it (Telegram log sink).
func New(cfg *config.Config, adapter transport.Adapter, log logx.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		repo:    topics.NewRepository(cfg.Paths.Workdir, log.With(logx.String("component", "topics"))),
		store:   task.NewStore(),
		updates: make(chan transport.Update, updateBuffer),
	}

	a.sched = sched.New(sched.Limits{
		MaxWorkers:     cfg.Limits.MaxWorkers,
		PerTopic:       cfg.Limits.PerTopic,
		PerUserPending: cfg.Limits.PerUserPending,
	}, a.store, log.With(logx.String("component", "sched")))

	a.backend = comfy.New(cfg.Comfy, cfg.WSTimeout(), log)

	if arch := cfg.ArchiveSettings(); arch.Enabled {
		ar, err := archive.Open(archive.Config{
			Path:          arch.Path,
			BusyTimeout:   arch.BusyTimeout,
			Retention:     arch.Retention,
			SweepSchedule: arch.SweepSchedule,
		}, log)
		if err != nil {
			return nil, err
		}
		a.arch = ar
	}

	a.disp = dispatch.New(dispatch.Config{
		Workers:       cfg.Limits.MaxWorkers,
		StreamTimeout: cfg.WSTimeout(),
		RunTimeout:    cfg.RunTimeout(),
	}, a.sched, a.store, a.repo, a.backend, adapter, a.arch, log)

	a.albums = newAlbumCollector(albumSettleDelay, func(m *transport.Message) {
		a.handleSubmission(context.Background(), m)
	})
	return a, nil
}

// Run blocks until ctx is canceled, then shuts the pipeline down in
// dependency order: no new submissions, drain workers, close sinks.
func (a *App) Run(ctx context.Context) error {
	n, err := a.repo.Scan()
	if err != nil {
		return err
	}
	if n == 0 {
		a.log.Warn("no topics loaded", logx.String("workdir", a.cfg.Paths.Workdir))
	} else {
		a.log.Info("topics loaded", logx.Int("topics", n))
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	if err := a.backend.Verify(probeCtx); err != nil {
		// The backend may still be booting; submissions will retry.
		a.log.Warn("backend probe failed", logx.Err(err))
	} else {
		a.log.Info("backend reachable", logx.String("base_url", a.cfg.Comfy.BaseURL))
	}
	cancelProbe()

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup.GoRestart("topics.watch", func(c context.Context) error {
		return a.repo.Watch(c)
	})
	sup.Go("dispatch", func(c context.Context) error {
		return a.disp.Run(c)
	})
	sup.Go("updates.loop", func(c context.Context) error {
		a.loop(c)
		return nil
	})
	sup.Go("store.prune", func(c context.Context) error {
		ticker := time.NewTicker(storePrunePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-ticker.C:
				if n := a.store.PruneFinished(time.Now().Add(-storeKeep)); n > 0 {
					a.log.Debug("finished tasks pruned", logx.Int("count", n))
				}
			}
		}
	})

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		sup.Cancel()
		return err
	}
	a.log.Info("bot started",
		logx.Int("workers", a.cfg.Limits.MaxWorkers),
		logx.Int("per_topic", a.cfg.Limits.PerTopic),
		logx.Int("per_user", a.cfg.Limits.PerUserPending))

	<-ctx.Done()
	a.log.Info("shutting down")

	a.sched.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}

	sup.Cancel()
	if err := sup.Wait(stopCtx); err != nil {
		a.log.Warn("workers did not drain in time", logx.Err(err))
	}

	if a.arch != nil {
		if err := a.arch.Close(); err != nil {
			a.log.Warn("archive close", logx.Err(err))
		}
	}
	if err := a.backend.Close(); err != nil {
		a.log.Warn("backend close", logx.Err(err))
	}
	return nil
}

func (a *App) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			switch {
			case up.Message != nil:
				a.handleMessage(ctx, up.Message)
			case up.Callback != nil:
				a.handleCallback(ctx, up.Callback)
			}
		}
	}
}

func (a *App) isOwner(userID int64) bool {
	for _, id := range a.cfg.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// archiveTask records a task that never reached a worker (canceled while
// queued, for instance). Worker-finalized tasks are archived by the
// dispatcher.
func (a *App) archiveTask(t *task.Task) {
	if a.arch != nil {
		a.arch.ArchiveTask(t)
	}
}
