package cfg

import (
	"fmt"
	"strconv"
)

// Interval is a calendar trigger for one frequency class. Unset fields match
// any value, the way launchd StartCalendarInterval and cron treat them.
type Interval struct {
	Minute  *int `toml:"minute" validate:"required,min=0,max=59"`
	Hour    *int `toml:"hour" validate:"omitempty,min=0,max=23"`
	Day     *int `toml:"day" validate:"omitempty,min=1,max=31"`
	Weekday *int `toml:"weekday" validate:"omitempty,min=0,max=7"`
	Month   *int `toml:"month" validate:"omitempty,min=1,max=12"`
}

// CronSpec renders the interval as a five field crontab expression
func (i Interval) CronSpec() string {
	return fmt.Sprintf("%s %s %s %s %s",
		cronField(i.Minute), cronField(i.Hour), cronField(i.Day), cronField(i.Month), cronField(i.Weekday))
}

func cronField(v *int) string {
	if v == nil {
		return "*"
	}
	return strconv.Itoa(*v)
}

// ScheduleConfiguration is the [schedule] table consumed by whatever installs
// the periodic jobs. The backup core never reads it.
type ScheduleConfiguration struct {
	Hourly  Interval `toml:"hourly"`
	Daily   Interval `toml:"daily"`
	Weekly  Interval `toml:"weekly"`
	Monthly Interval `toml:"monthly"`
}

// For returns the interval configured for f
func (s ScheduleConfiguration) For(f Frequency) (Interval, error) {
	switch f {
	case Hourly:
		return s.Hourly, nil
	case Daily:
		return s.Daily, nil
	case Weekly:
		return s.Weekly, nil
	case Monthly:
		return s.Monthly, nil
	default:
		return Interval{}, fmt.Errorf("no schedule configured for %q", f)
	}
}

// Crontab renders one crontab line per frequency class, in schedule order,
// each running command for that frequency
func (s ScheduleConfiguration) Crontab(command string) ([]string, error) {
	lines := make([]string, 0, len(Frequencies))
	for _, f := range Frequencies {
		interval, err := s.For(f)
		if err != nil {
			return nil, err
		}
		if interval.Minute == nil {
			return nil, fmt.Errorf("schedule.%s.minute is required", f)
		}
		lines = append(lines, fmt.Sprintf("%s %s -freq %s backup", interval.CronSpec(), command, f))
	}
	return lines, nil
}

func intPtr(v int) *int {
	return &v
}
