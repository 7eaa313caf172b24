package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ResolveInterval accepts the common cron grammar (e.g. "*/5 * * * *")
// and resolves it to a fixed tick duration: the scheduler itself only
// ever deals in durations, and cron syntax is accepted at the
// configuration boundary for operator familiarity. The duration is
// measured between the schedule's next two
// fire times from now, which is exact for the "*/N <unit>" family this
// system expects to see in practice.
func ResolveInterval(spec string, now time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("scheduler: parse cron spec %q: %w", spec, err)
	}
	first := sched.Next(now)
	second := sched.Next(first)
	d := second.Sub(first)
	if d <= 0 {
		return 0, fmt.Errorf("scheduler: cron spec %q resolved to non-positive interval", spec)
	}
	return d, nil
}
