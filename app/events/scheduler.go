package events

import (
	"context"
	"log"
	"time"

	"tg-guard/app/bot"
)

// Job is a named periodic task. Jobs with externally visible side effects run under
// a lease, see Leases.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Scheduler drives periodic maintenance independent of message arrival: cache and
// window cleanups plus scheduled night mode transitions. Each tick runs every job
// once, each under its own lease.
type Scheduler struct {
	Interval time.Duration
	LeaseTTL time.Duration
	Leases   *Leases
	Night    *bot.NightMode
	Jobs     []Job
}

// Do runs the scheduler loop until the context is canceled. Blocking call.
func (s *Scheduler) Do(ctx context.Context) error {
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = 5 * time.Minute
	}
	if s.Leases == nil {
		s.Leases = NewLeases()
	}
	log.Printf("[INFO] start scheduler, interval %v", s.Interval)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, job := range s.Jobs {
		s.runJob(ctx, job)
	}
	// manual-only night mode has no schedule to follow
	if s.Night != nil && s.Night.Start != "" && s.Night.End != "" {
		s.runJob(ctx, Job{Name: "night-mode", Fn: s.nightTransition})
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if !s.Leases.Acquire(job.Name, s.LeaseTTL) {
		log.Printf("[DEBUG] job %q skipped, lease held", job.Name)
		return
	}
	defer s.Leases.Release(job.Name)

	if err := job.Fn(ctx); err != nil {
		log.Printf("[WARN] job %q failed: %v", job.Name, err)
	}
}

// nightTransition flips night mode when the wall clock crosses the schedule boundary
func (s *Scheduler) nightTransition(ctx context.Context) error {
	now := time.Now()
	if s.Night.ShouldBeActive(now) && !s.Night.Active() {
		return s.Night.ActivateAll(ctx)
	}
	if !s.Night.ShouldBeActive(now) && s.Night.Active() {
		return s.Night.DeactivateAll(ctx)
	}
	return nil
}
