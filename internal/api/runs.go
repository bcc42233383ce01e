package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiendas-io/subscriptions/internal/sweep"
)

// RunStatus is the lifecycle of one sweep run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

const (
	TriggerHTTP = "http"
	TriggerCron = "cron"
)

// SweepRun records one sweep, whoever started it.
type SweepRun struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	Status     RunStatus     `json:"status"`
	Report     *sweep.Report `json:"report,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// RunLog keeps the most recent sweep runs in memory, newest last.
type RunLog struct {
	mu   sync.RWMutex
	runs []*SweepRun
	max  int
}

func NewRunLog(max int) *RunLog {
	if max < 1 {
		max = 1
	}
	return &RunLog{max: max}
}

// Start records a new running sweep and returns its id.
func (l *RunLog) Start(trigger string, at time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	run := &SweepRun{ID: uuid.New().String(), Trigger: trigger, Status: StatusRunning, StartedAt: at}
	l.runs = append(l.runs, run)
	if len(l.runs) > l.max {
		l.runs = l.runs[len(l.runs)-l.max:]
	}
	return run.ID
}

// Finish closes a run with its report or error.
func (l *RunLog) Finish(id string, report *sweep.Report, err error, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, run := range l.runs {
		if run.ID != id {
			continue
		}
		run.FinishedAt = &at
		run.Report = report
		if err != nil {
			run.Status = StatusFailed
			run.Error = err.Error()
		} else {
			run.Status = StatusCompleted
		}
		return
	}
}

// Get returns a copy of one run.
func (l *RunLog) Get(id string) (SweepRun, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, run := range l.runs {
		if run.ID == id {
			return *run, true
		}
	}
	return SweepRun{}, false
}

// Recent returns copies of the kept runs, newest first.
func (l *RunLog) Recent() []SweepRun {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SweepRun, 0, len(l.runs))
	for i := len(l.runs) - 1; i >= 0; i-- {
		out = append(out, *l.runs[i])
	}
	return out
}
