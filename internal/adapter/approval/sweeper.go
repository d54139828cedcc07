package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// PendingActions is the slice of the action queue the sweeper needs.
type PendingActions interface {
	PendingWindowIDs() []int
	CancelForWindow(ctx context.Context, windowID int) int
}

// Sweeper periodically reaps actions whose approval window is gone. A
// closed popup is a rejection: the dapp's promise must settle even when
// the user never clicked anything.
type Sweeper struct {
	queue  PendingActions
	opener WindowOpener
	cron   *cron.Cron
	spec   string
	logger *slog.Logger
}

func NewSweeper(queue PendingActions, opener WindowOpener, spec string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		queue:  queue,
		opener: opener,
		cron:   cron.New(cron.WithSeconds()),
		spec:   spec,
		logger: logger,
	}
}

// Start schedules the sweep. Returns an error for a malformed spec.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Sweep); err != nil {
		return fmt.Errorf("schedule window sweep %q: %w", s.spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass over the pending windows.
func (s *Sweeper) Sweep() {
	for _, windowID := range s.queue.PendingWindowIDs() {
		if s.opener.IsOpen(windowID) {
			continue
		}
		if n := s.queue.CancelForWindow(context.Background(), windowID); n > 0 {
			s.logger.Info("cancelled actions for closed window", "window_id", windowID, "count", n)
		}
	}
}
