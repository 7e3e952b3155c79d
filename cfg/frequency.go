package cfg

import (
	"fmt"
	"strings"
)

// Frequency is a backup frequency class. Each class owns its own set of
// backup files and its own retention count.
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Frequencies lists every frequency class in schedule order
var Frequencies = []Frequency{Hourly, Daily, Weekly, Monthly}

// ParseFrequency converts a user supplied name into a Frequency
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency %q (want one of %s)", s, frequencyNames())
	}
	return f, nil
}

// Valid reports whether f is one of the known frequency classes
func (f Frequency) Valid() bool {
	switch f {
	case Hourly, Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

func (f Frequency) String() string {
	return string(f)
}

func frequencyNames() string {
	names := make([]string, len(Frequencies))
	for i, f := range Frequencies {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// RetentionPolicy maps each frequency class to the maximum number of backup
// files kept for it.
type RetentionPolicy map[Frequency]int

// Limit returns the retention count for f
func (p RetentionPolicy) Limit(f Frequency) (int, error) {
	limit, ok := p[f]
	if !ok {
		return 0, fmt.Errorf("no retention limit configured for %q", f)
	}
	return limit, nil
}

// RetentionConfiguration is the [retention] table. One field per frequency
// keeps the table explicit and lets the validator check every entry.
type RetentionConfiguration struct {
	Hourly  int `toml:"hourly" validate:"gt=0"`
	Daily   int `toml:"daily" validate:"gt=0"`
	Weekly  int `toml:"weekly" validate:"gt=0"`
	Monthly int `toml:"monthly" validate:"gt=0"`
}

// Policy converts the table into a RetentionPolicy
func (r RetentionConfiguration) Policy() RetentionPolicy {
	return RetentionPolicy{
		Hourly:  r.Hourly,
		Daily:   r.Daily,
		Weekly:  r.Weekly,
		Monthly: r.Monthly,
	}
}
