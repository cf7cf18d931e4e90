// Package scheduler provides cron-based scheduling for RetainAI.
//
// Its single production job is the automations engine tick, run once per
// minute by default.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// DefaultTickSchedule runs the engine tick once per minute.
const DefaultTickSchedule = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Jobs that panic are
// recovered so one bad tick cannot kill the scheduler goroutine.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
