package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func results(statuses ...ResultStatus) []Result {
	out := make([]Result, len(statuses))
	for i, s := range statuses {
		out[i] = Result{ID: int64(len(statuses) - i), CheckID: 1, Status: s}
	}

	return out
}

func TestDeriveCheckStatus(t *testing.T) {
	tests := []struct {
		name   string
		recent []Result
		want   DerivedStatus
	}{
		{
			name:   "no results",
			recent: nil,
			want:   StatusUnknown,
		},
		{
			name:   "newest error fails regardless of history",
			recent: results(ResultError, ResultOK, ResultOK, ResultOK, ResultOK),
			want:   StatusFailed,
		},
		{
			name:   "single error",
			recent: results(ResultError),
			want:   StatusFailed,
		},
		{
			name:   "all ok",
			recent: results(ResultOK, ResultOK, ResultOK),
			want:   StatusPassed,
		},
		{
			name:   "single ok",
			recent: results(ResultOK),
			want:   StatusPassed,
		},
		{
			name:   "newest ok with an error in the window",
			recent: results(ResultOK, ResultError, ResultOK),
			want:   StatusRecovering,
		},
		{
			name:   "recovering at the edge of the window",
			recent: results(ResultOK, ResultOK, ResultOK, ResultOK, ResultError),
			want:   StatusRecovering,
		},
		{
			name: "error outside the window is ignored",
			recent: results(
				ResultOK, ResultOK, ResultOK, ResultOK, ResultOK,
				ResultError,
			),
			want: StatusPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveCheckStatus(tt.recent))
		})
	}
}

func TestDeriveServiceStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []DerivedStatus
		want     DerivedStatus
	}{
		{
			name:     "no checks",
			statuses: nil,
			want:     StatusUnknown,
		},
		{
			name:     "any failed wins",
			statuses: []DerivedStatus{StatusPassed, StatusFailed, StatusWarning},
			want:     StatusFailed,
		},
		{
			name:     "warning degrades",
			statuses: []DerivedStatus{StatusPassed, StatusWarning},
			want:     StatusWarning,
		},
		{
			name:     "recovering degrades to warning",
			statuses: []DerivedStatus{StatusPassed, StatusRecovering},
			want:     StatusWarning,
		},
		{
			name:     "all passed",
			statuses: []DerivedStatus{StatusPassed, StatusPassed},
			want:     StatusPassed,
		},
		{
			name:     "all unknown",
			statuses: []DerivedStatus{StatusUnknown, StatusUnknown},
			want:     StatusUnknown,
		},
		{
			name:     "mixed passed and unknown",
			statuses: []DerivedStatus{StatusPassed, StatusUnknown},
			want:     StatusWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveServiceStatus(tt.statuses))
		})
	}
}
