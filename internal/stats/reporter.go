// Package stats logs throughput counters at a fixed interval so long-running
// deployments leave a trace of what the bridge actually processed.
package stats

import (
	"context"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

type Reporter struct {
	sched  quartz.Scheduler
	cancel context.CancelFunc
}

// Start schedules a job that logs the fields returned by sample every
// interval.
func Start(interval time.Duration, log *zap.Logger, sample func() []zap.Field) (*Reporter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	statsJob := job.NewFunctionJob(func(context.Context) (bool, error) {
		log.Info("bridge statistics", sample()...)
		return true, nil
	})
	detail := quartz.NewJobDetail(statsJob, quartz.NewJobKey("stats"))
	if err := sched.ScheduleJob(detail, quartz.NewSimpleTrigger(interval)); err != nil {
		cancel()
		return nil, err
	}

	return &Reporter{sched: sched, cancel: cancel}, nil
}

// Stop cancels the schedule.
func (r *Reporter) Stop() {
	r.sched.Stop()
	r.cancel()
}
