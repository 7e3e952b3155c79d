package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in      string
		want    Frequency
		wantErr bool
	}{
		{"hourly", Hourly, false},
		{"Daily", Daily, false},
		{" weekly ", Weekly, false},
		{"MONTHLY", Monthly, false},
		{"yearly", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFrequency(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRetentionPolicyDefaults(t *testing.T) {
	policy := Default().Retention.Policy()

	expected := map[Frequency]int{Hourly: 24, Daily: 7, Weekly: 8, Monthly: 24}
	for f, want := range expected {
		got, err := policy.Limit(f)
		require.NoError(t, err)
		assert.Equal(t, want, got, "frequency %s", f)
	}

	_, err := policy.Limit("yearly")
	assert.Error(t, err)
}

func TestScheduleCronSpec(t *testing.T) {
	s := Default().Schedule

	tests := map[Frequency]string{
		Hourly:  "47 * * * *",
		Daily:   "24 0 * * *",
		Weekly:  "23 11 * * 0",
		Monthly: "18 12 1 * *",
	}
	for f, want := range tests {
		interval, err := s.For(f)
		require.NoError(t, err)
		assert.Equal(t, want, interval.CronSpec(), "frequency %s", f)
	}

	_, err := s.For("yearly")
	assert.Error(t, err)
}

func TestScheduleCrontab(t *testing.T) {
	lines, err := Default().Schedule.Crontab("/usr/local/bin/sqlkeep -config /etc/sqlkeep.toml")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"47 * * * * /usr/local/bin/sqlkeep -config /etc/sqlkeep.toml -freq hourly backup",
		"24 0 * * * /usr/local/bin/sqlkeep -config /etc/sqlkeep.toml -freq daily backup",
		"23 11 * * 0 /usr/local/bin/sqlkeep -config /etc/sqlkeep.toml -freq weekly backup",
		"18 12 1 * * /usr/local/bin/sqlkeep -config /etc/sqlkeep.toml -freq monthly backup",
	}, lines)

	s := Default().Schedule
	s.Daily.Minute = nil
	_, err = s.Crontab("sqlkeep")
	assert.Error(t, err)
}
