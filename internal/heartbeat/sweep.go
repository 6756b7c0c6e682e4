// Package heartbeat runs the periodic liveness sweep that moves
// TaskInstances whose report_by_date has elapsed into TRIAGING — the server
// side of spec §5's "a missed heartbeat leads only to the corresponding
// record entering TRIAGING after its report_by_date elapses."
package heartbeat

import (
	"context"

	"github.com/robfig/cron/v3"

	"jobmon/internal/logging"
	"jobmon/internal/stateserver/repo"
)

var log = logging.Named("heartbeat")

// Sweeper periodically triages TaskInstances with an expired report_by_date.
type Sweeper struct {
	taskInstance *repo.TaskInstanceRepo
	cron         *cron.Cron
}

// New builds a Sweeper that runs on the given cron spec (e.g. "@every 30s").
func New(taskInstance *repo.TaskInstanceRepo, spec string) (*Sweeper, error) {
	s := &Sweeper{
		taskInstance: taskInstance,
		cron:         cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron schedule; it does not block.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for any in-progress tick to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) tick() {
	ids, err := s.taskInstance.SweepExpiredReportBy(context.Background())
	if err != nil {
		log.Error("liveness sweep failed: %v", err)
		return
	}
	if len(ids) > 0 {
		log.Info("triaged %d task instances with expired report_by_date", len(ids))
	}
}
