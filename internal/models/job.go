package models

import (
	"fmt"
	"time"
)

// Cadence is one of the fixed recurring collection schedules.
type Cadence string

const (
	CadenceIntraday Cadence = "intraday"
	CadenceDaily    Cadence = "daily"
	CadenceSleep    Cadence = "sleep"
	CadenceAverage  Cadence = "average"
)

// Cadences lists every cadence in start order.
var Cadences = []Cadence{CadenceIntraday, CadenceDaily, CadenceSleep, CadenceAverage}

// Schedule returns the cron expression (minute hour dom month dow) for the cadence.
func (c Cadence) Schedule() (string, error) {
	switch c {
	case CadenceIntraday:
		return "*/15 * * * *", nil
	case CadenceDaily:
		return "0 6 * * *", nil
	case CadenceSleep:
		return "0 0,7,10,14,19 * * *", nil
	case CadenceAverage:
		return "0 0 * * *", nil
	}
	return "", fmt.Errorf("unknown cadence %q", string(c))
}

// ParseCadence validates a cadence name.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(s)
	if _, err := c.Schedule(); err != nil {
		return "", err
	}
	return c, nil
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobStopped JobStatus = "stopped"
)

// ScheduledJob describes one (user, cadence) registration.
type ScheduledJob struct {
	UserID    string    `json:"user_id"`
	Cadence   Cadence   `json:"cadence"`
	Status    JobStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
