package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextOccurrence(t *testing.T) {
	// Wednesday.
	now := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		name    string
		rule    string
		want    time.Time
		wantErr bool
	}{
		{
			name: "weekly rule later in the week",
			rule: "RRULE:FREQ=WEEKLY;BYDAY=MO;BYHOUR=3;BYMINUTE=0;BYSECOND=0",
			want: time.Date(2024, 5, 6, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "same day later hour",
			rule: "RRULE:FREQ=WEEKLY;BYDAY=WE;BYHOUR=18;BYMINUTE=0;BYSECOND=0",
			want: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "same day earlier hour rolls to next week",
			rule: "RRULE:FREQ=WEEKLY;BYDAY=WE;BYHOUR=9;BYMINUTE=0;BYSECOND=0",
			want: time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "prefix is optional",
			rule: "FREQ=DAILY;BYHOUR=0;BYMINUTE=0;BYSECOND=0",
			want: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "exhausted rule",
			rule:    "RRULE:FREQ=DAILY;UNTIL=20240101T000000Z",
			wantErr: true,
		},
		{
			name:    "malformed rule",
			rule:    "RRULE:FREQ=FORTNIGHTLY",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(tt.rule, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWeeklyRule(t *testing.T) {
	at := time.Date(2024, 5, 3, 14, 45, 0, 0, time.FixedZone("CEST", 2*60*60))

	rule := WeeklyRule(at)
	assert.Equal(t, "RRULE:FREQ=WEEKLY;BYDAY=FR;BYHOUR=12;BYMINUTE=0;BYSECOND=0", rule)

	next, err := NextOccurrence(rule, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC), next)
}
