// Package coordinator owns the periodic work cycle: each tick fires due
// reminders and polls a bounded batch of users for new Canvas events.
package coordinator

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"classbot/internal/domain"
	"classbot/internal/notify"
	"classbot/internal/poller"
	"classbot/internal/reminder"
	"classbot/internal/storage"
	"classbot/pkg/logx"
)

type Config struct {
	Tick          time.Duration // default 60s
	PollBatchSize int           // users polled per tick; default 20
	PollWorkers   int           // concurrent user polls; default 4
	UserTimeout   time.Duration // per-user poll budget; default 30s
	SeenRetention time.Duration // fingerprint retention; default 180 days
	PruneSchedule string        // cron spec for the prune job; default "30 4 * * *"
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 60 * time.Second
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 20
	}
	if c.PollWorkers <= 0 {
		c.PollWorkers = 4
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = 30 * time.Second
	}
	if c.SeenRetention <= 0 {
		c.SeenRetention = 180 * 24 * time.Hour
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "30 4 * * *"
	}
	return c
}

type Coordinator struct {
	cfg Config
	log logx.Logger

	store      storage.Store
	poller     *poller.Poller
	dedup      *poller.DedupFilter
	reminders  *reminder.Scheduler
	dispatcher *notify.Dispatcher

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
	cursor int

	// inTick skips overlapping ticks instead of queueing them.
	tickMu sync.Mutex
	inTick bool
}

func New(cfg Config, store storage.Store, p *poller.Poller, d *poller.DedupFilter, r *reminder.Scheduler, disp *notify.Dispatcher, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:        cfg.withDefaults(),
		log:        log,
		store:      store,
		poller:     p,
		dedup:      d,
		reminders:  r,
		dispatcher: disp,
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return nil
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)

	// A crash or hard stop can leave claimed rows stuck in firing; put them
	// back in play before the first tick.
	if n, err := c.store.RecoverFiring(c.runCtx); err != nil {
		c.cancel()
		c.runCtx = nil
		return err
	} else if n > 0 {
		c.log.Warn("recovered interrupted reminders", logx.Int64("rows", n))
	}

	cr := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if _, err := cr.AddFunc("@every "+c.cfg.Tick.String(), func() {
		defer c.recoverJob("tick")
		c.tick(c.runCtx)
	}); err != nil {
		c.cancel()
		c.runCtx = nil
		return err
	}
	if _, err := cr.AddFunc(c.cfg.PruneSchedule, func() {
		defer c.recoverJob("prune")
		c.prune(c.runCtx)
	}); err != nil {
		c.cancel()
		c.runCtx = nil
		return err
	}

	cr.Start()
	c.c = cr
	c.log.Info("coordinator started",
		logx.Duration("tick", c.cfg.Tick),
		logx.Int("poll_batch", c.cfg.PollBatchSize),
		logx.Int("poll_workers", c.cfg.PollWorkers))
	return nil
}

func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	cr := c.c
	cancel := c.cancel
	c.c = nil
	c.cancel = nil
	c.runCtx = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	c.log.Info("coordinator stopped")
}

func (c *Coordinator) recoverJob(name string) {
	if r := recover(); r != nil {
		c.log.Error("panic in coordinator job",
			logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
	}
}

// tick runs one work cycle. A tick still running when the next fires is
// skipped, not queued.
func (c *Coordinator) tick(ctx context.Context) {
	c.tickMu.Lock()
	if c.inTick {
		c.tickMu.Unlock()
		c.log.Warn("previous tick still running; skipping")
		return
	}
	c.inTick = true
	c.tickMu.Unlock()
	defer func() {
		c.tickMu.Lock()
		c.inTick = false
		c.tickMu.Unlock()
	}()

	start := time.Now()
	c.reminderPass(ctx, start.UTC())
	c.pollPass(ctx)
	c.log.Debug("tick done", logx.Duration("took", time.Since(start)))
}

// reminderPass claims due reminders and dispatches each one, finishing the
// state machine per outcome.
func (c *Coordinator) reminderPass(ctx context.Context, now time.Time) {
	due, err := c.reminders.DueReminders(ctx, now)
	if err != nil {
		// Store trouble aborts the pass; next tick retries.
		c.log.Error("claiming due reminders failed", logx.Err(err))
		return
	}
	for _, r := range due {
		if ctx.Err() != nil {
			// Shutting down: the run context can no longer write, so release
			// the claim on a fresh one. Attempts are preserved; a shutdown is
			// not a delivery failure.
			c.releaseClaim(r)
			continue
		}

		user, err := c.store.UserByID(ctx, r.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			// Owner unlinked mid-tick: the cascade usually removed the row
			// already, making this cancel a no-op.
			c.log.Debug("reminder owner gone", logx.Int64("reminder", r.ID))
			if err := c.store.ForceCancelReminder(ctx, r.ID); err != nil {
				c.log.Warn("cancelling ownerless reminder failed", logx.Int64("reminder", r.ID), logx.Err(err))
			}
			continue
		}
		if err != nil {
			c.log.Error("reminder owner lookup failed", logx.Int64("reminder", r.ID), logx.Err(err))
			if err := c.store.RevertFiring(ctx, r.ID, r.Attempts); err != nil {
				c.log.Warn("releasing reminder claim failed", logx.Int64("reminder", r.ID), logx.Err(err))
			}
			continue
		}

		err = c.dispatcher.Deliver(ctx, user, notify.Payload{Text: notify.FormatReminder(r)})
		if err != nil {
			c.log.Warn("reminder delivery failed", logx.Int64("reminder", r.ID), logx.Err(err))
			if err := c.reminders.RevertFiring(ctx, r); err != nil {
				c.log.Error("reverting reminder failed", logx.Int64("reminder", r.ID), logx.Err(err))
			}
			continue
		}
		if err := c.reminders.CompleteFiring(ctx, r, now); err != nil {
			c.log.Error("completing reminder failed", logx.Int64("reminder", r.ID), logx.Err(err))
		}
	}
}

// releaseClaim returns a claimed reminder to scheduled without counting an
// attempt, using its own context so it still works during shutdown.
func (c *Coordinator) releaseClaim(r domain.Reminder) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.RevertFiring(rctx, r.ID, r.Attempts); err != nil {
		c.log.Warn("releasing reminder claim failed", logx.Int64("reminder", r.ID), logx.Err(err))
	}
}

// pollPass polls the next round-robin batch of users with bounded concurrency.
func (c *Coordinator) pollPass(ctx context.Context) {
	users, err := c.store.ListPollableUsers(ctx)
	if err != nil {
		c.log.Error("listing pollable users failed", logx.Err(err))
		return
	}
	if len(users) == 0 {
		return
	}

	c.mu.Lock()
	batch := nextBatch(users, c.cursor, c.cfg.PollBatchSize)
	c.cursor = (c.cursor + len(batch)) % len(users)
	c.mu.Unlock()

	jobs := make(chan domain.User)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.PollWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				c.pollUser(ctx, u)
			}
		}()
	}
	for _, u := range batch {
		select {
		case jobs <- u:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

// nextBatch returns a rotating window of up to size users starting at cursor.
func nextBatch(users []domain.User, cursor, size int) []domain.User {
	n := len(users)
	if n == 0 {
		return nil
	}
	if size > n {
		size = n
	}
	cursor %= n
	batch := make([]domain.User, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, users[(cursor+i)%n])
	}
	return batch
}

// pollUser runs one user's poll cycle: fetch, dedup, deliver. Failures are
// isolated to this user and this tick.
func (c *Coordinator) pollUser(ctx context.Context, user domain.User) {
	uctx, cancel := context.WithTimeout(ctx, c.cfg.UserTimeout)
	defer cancel()

	res, err := c.poller.Poll(uctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredential) {
			// Credential rejected: pause polling until re-login instead of
			// hammering Canvas with a dead token every tick.
			c.log.Warn("canvas credential rejected; pausing polling",
				logx.Int64("user", user.ID), logx.Err(err))
			if perr := c.store.SetPollPaused(ctx, user.ID, true); perr != nil {
				c.log.Error("pausing user failed", logx.Int64("user", user.ID), logx.Err(perr))
			}
			return
		}
		c.log.Warn("poll failed", logx.Int64("user", user.ID), logx.Err(err))
		return
	}
	if res.AnnouncementsFailed || res.AssignmentsFailed {
		c.log.Debug("poll partially failed",
			logx.Int64("user", user.ID),
			logx.Bool("announcements", res.AnnouncementsFailed),
			logx.Bool("assignments", res.AssignmentsFailed))
	}

	novel, err := c.dedup.Filter(uctx, res.Events)
	if err != nil {
		c.log.Error("dedup failed", logx.Int64("user", user.ID), logx.Err(err))
		return
	}
	for _, e := range novel {
		err := c.dispatcher.Deliver(uctx, user, notify.Payload{Kind: e.Kind, Text: notify.FormatEvent(e)})
		if err != nil {
			// Already marked seen; per policy this event is not retried.
			c.log.Warn("event delivery failed",
				logx.Int64("user", user.ID), logx.String("fingerprint", e.Fingerprint()), logx.Err(err))
		}
	}
}

// prune drops seen-event fingerprints past the retention window.
func (c *Coordinator) prune(ctx context.Context) {
	n, err := c.store.PruneSeen(ctx, time.Now().Add(-c.cfg.SeenRetention))
	if err != nil {
		c.log.Error("pruning seen events failed", logx.Err(err))
		return
	}
	if n > 0 {
		c.log.Info("pruned seen events", logx.Int64("rows", n))
	}
}
