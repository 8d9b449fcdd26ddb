package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

const workerRunTimeout = time.Minute

// startWorkers schedules the background jobs of the ledger: the carry-over
// expiry sweep, outbox delivery and the payment status checks.
func (app *application) startWorkers() (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	batch := app.cfg.Outbox.BatchSize

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) (int, error)
	}{
		{"carry-over expiry", app.cfg.Schedule.ExpirySweep, app.carryOverService.CleanupExpiredBalances},
		{"outbox", app.cfg.Schedule.Outbox, func(ctx context.Context) (int, error) {
			return app.outboxService.DispatchPending(ctx, batch)
		}},
		{"payment checks", app.cfg.Schedule.Checks, func(ctx context.Context) (int, error) {
			return app.checkService.RunDue(ctx, app.cfg.Checks.BatchSize)
		}},
	}

	for _, job := range jobs {
		if _, err := c.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), workerRunTimeout)
			defer cancel()
			n, err := job.run(ctx)
			if err != nil {
				app.errorLog.Printf("%s: %v", job.name, err)
				return
			}
			if n > 0 {
				app.infoLog.Printf("%s: processed %d", job.name, n)
			}
		}); err != nil {
			return nil, err
		}
		app.infoLog.Printf("Scheduled %s at %q", job.name, job.schedule)
	}

	c.Start()
	return c, nil
}
