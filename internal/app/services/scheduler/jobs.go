package scheduler

import (
	"context"
	"time"
)

// Job names.
const (
	JobSweepOverdue   = "sweep-overdue"
	JobExpireTopUps   = "expire-topups"
	JobPruneLimiters  = "prune-rate-limiters"
	limiterIdleWindow = 10 * time.Minute
)

// Wallets is the subset of the wallet service the jobs drive.
type Wallets interface {
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
	ExpireStaleTopUps(ctx context.Context, now time.Time) (int, error)
}

// Limiter is a per-client rate limiter whose idle entries can be pruned.
type Limiter interface {
	Cleanup(maxIdle time.Duration) int
}

// RegisterDefaults adds the standard maintenance jobs. limiter may be nil.
func RegisterDefaults(s *Scheduler, wallets Wallets, limiter Limiter) error {
	jobs := []Job{
		{Name: JobSweepOverdue, Spec: "*/15 * * * *", Run: wallets.SweepOverdue},
		{Name: JobExpireTopUps, Spec: "17 * * * *", Run: wallets.ExpireStaleTopUps},
	}
	if limiter != nil {
		jobs = append(jobs, Job{
			Name:    JobPruneLimiters,
			Spec:    "*/5 * * * *",
			Timeout: time.Minute,
			Run: func(context.Context, time.Time) (int, error) {
				return limiter.Cleanup(limiterIdleWindow), nil
			},
		})
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
