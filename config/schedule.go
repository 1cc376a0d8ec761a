package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields successive run times for the sync scheduler.
type Schedule interface {
	Next(t time.Time) time.Time
}

type cronSchedule struct {
	schedule cron.Schedule
}

func (cs *cronSchedule) Next(t time.Time) time.Time {
	return cs.schedule.Next(t)
}

type intervalSchedule struct {
	interval time.Duration
}

func (is *intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(is.interval)
}

// ParseSchedule accepts either a cron expression (5 or 6 fields, or a
// descriptor like @hourly) or a Go duration string like "5m".
func ParseSchedule(spec string) (Schedule, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return &cronSchedule{schedule: sched}, nil
	}

	interval, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither a cron expression nor a duration", spec)
	}
	if interval < time.Second {
		return nil, fmt.Errorf("schedule interval %s is shorter than one second", interval)
	}
	return &intervalSchedule{interval: interval}, nil
}

// ResolveSchedule resolves the configured sync cadence: the cron/duration
// expression when set, otherwise the fixed interval.
func (c Config) ResolveSchedule() (Schedule, error) {
	if c.SyncSchedule != "" {
		return ParseSchedule(c.SyncSchedule)
	}
	return &intervalSchedule{interval: c.SyncInterval}, nil
}
