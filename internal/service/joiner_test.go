package service_test

import (
	"testing"

	"github.com/CZERTAINLY/supervisor/internal/model"
	"github.com/CZERTAINLY/supervisor/internal/service"
	"github.com/stretchr/testify/require"
)

func TestReport(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    service.Report
		code     int
		failed   string
	}{
		{"empty", service.Report{}, 0, ""},
		{
			"all zero",
			service.Report{Codes: map[string]int{"web": 0, "bot": 0}, Order: []string{"bot", "web"}},
			0, "",
		},
		{
			"first non-zero by exit order",
			service.Report{Codes: map[string]int{"web": 143, "bot": 2}, Order: []string{"bot", "web"}},
			2, "bot",
		},
		{
			"zero first",
			service.Report{Codes: map[string]int{"child1": 0, "child2": 1}, Order: []string{"child1", "child2"}},
			1, "child2",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.code, tt.given.ExitCode())
			err := tt.given.Err()
			if tt.failed == "" {
				require.NoError(t, err)
				return
			}
			var exited *model.ChildExitedNonZero
			require.ErrorAs(t, err, &exited)
			require.Equal(t, tt.failed, exited.Name)
			require.Equal(t, tt.code, exited.Code)
		})
	}
}

func TestJoinEmpty(t *testing.T) {
	t.Parallel()
	report := service.Joiner{}.Join(t.Context(), service.NewSet())
	require.Empty(t, report.Codes)
	require.Zero(t, report.ExitCode())
}
