//go:build unix

package service_test

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/CZERTAINLY/supervisor/internal/model"
	"github.com/CZERTAINLY/supervisor/internal/service"

	"github.com/stretchr/testify/require"
)

const sigtermCode = 128 + 15

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func newSupervisor(t *testing.T, cfg model.Config) *service.Supervisor {
	t.Helper()
	supervisor, err := service.NewSupervisor(cfg)
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	return supervisor.WithOutput(&stdout, &stderr)
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cfg := model.Config{
		Delay:       0,
		StopTimeout: model.Duration(time.Second),
		Children: []model.ChildCfg{
			{Command: []string{sh, "-c", "exit 0"}},
			{Command: []string{sh, "-c", "exit 1"}},
		},
	}
	supervisor := newSupervisor(t, cfg)

	report, err := supervisor.Do(t.Context())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"child1": 0, "child2": 1}, report.Codes)
	require.ElementsMatch(t, []string{"child1", "child2"}, report.Order)
	require.Equal(t, 1, report.ExitCode())

	var exited *model.ChildExitedNonZero
	require.ErrorAs(t, report.Err(), &exited)
	require.Equal(t, "child2", exited.Name)
	require.Equal(t, 1, exited.Code)

	for _, state := range supervisor.Set().Snapshot() {
		require.False(t, state.Running)
		require.NotNil(t, state.ExitCode)
		require.NotZero(t, state.PID)
		require.False(t, state.Stopped.Before(state.Started))
	}

	t.Run("started twice", func(t *testing.T) {
		_, err := supervisor.Do(t.Context())
		require.Error(t, err)
	})
}

func TestSupervisorAllZero(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cfg := model.Config{
		Children: []model.ChildCfg{
			{Name: "web", Command: []string{sh, "-c", "exit 0"}},
			{Name: "bot", Command: []string{sh, "-c", "exit 0"}},
			{Name: "worker", Command: []string{sh, "-c", "exit 0"}},
		},
	}
	report, err := newSupervisor(t, cfg).Do(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Codes, 3)
	require.Zero(t, report.ExitCode())
	require.NoError(t, report.Err())
}

func TestSupervisorSequencing(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	const delay = 100 * time.Millisecond
	cfg := model.Config{
		Delay: model.Duration(delay),
		Children: []model.ChildCfg{
			{Command: []string{sh, "-c", "exit 0"}},
			{Command: []string{sh, "-c", "exit 0"}},
			{Command: []string{sh, "-c", "exit 0"}},
		},
	}
	supervisor := newSupervisor(t, cfg)
	report, err := supervisor.Do(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Codes, 3)

	states := supervisor.Set().Snapshot()
	require.Len(t, states, 3)
	for idx := 1; idx < len(states); idx++ {
		require.GreaterOrEqual(t, states[idx].Started.Sub(states[idx-1].Started), delay)
	}
}

func TestSupervisorLaunchError(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	cfg := model.Config{
		StopTimeout: model.Duration(time.Second),
		Children: []model.ChildCfg{
			{Name: "web", Command: []string{sleep, "10"}},
			{Name: "bot", Command: []string{"/does/not/exist"}},
			{Name: "never", Command: []string{sleep, "10"}},
		},
	}
	supervisor := newSupervisor(t, cfg)

	start := time.Now()
	report, err := supervisor.Do(t.Context())
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	var launchErr *model.LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, "bot", launchErr.Name)
	require.Contains(t, err.Error(), "/does/not/exist")

	// already launched child was terminated and reaped
	require.Equal(t, map[string]int{"web": sigtermCode}, report.Codes)
	states := supervisor.Set().Snapshot()
	require.Len(t, states, 1)
	require.False(t, states[0].Running)
	require.Nil(t, supervisor.Set().Children()[0].Handle())
}

func TestSupervisorLaunchErrorFirst(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		Children: []model.ChildCfg{
			{Command: []string{"does-not-exist-in-path"}},
		},
	}
	report, err := newSupervisor(t, cfg).Do(t.Context())
	var launchErr *model.LaunchError
	require.ErrorAs(t, err, &launchErr)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "does-not-exist-in-path", execErr.Name)
	require.Empty(t, report.Codes)
}

func TestSupervisorCancel(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	cfg := model.Config{
		StopTimeout: model.Duration(time.Second),
		Children: []model.ChildCfg{
			{Command: []string{sleep, "10"}},
			{Command: []string{sleep, "10"}},
		},
	}
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	report, err := newSupervisor(t, cfg).Do(ctx)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, map[string]int{"child1": sigtermCode, "child2": sigtermCode}, report.Codes)
	require.Equal(t, sigtermCode, report.ExitCode())
}

func TestSupervisorStartupInterrupted(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	cfg := model.Config{
		Delay:       model.Duration(10 * time.Second),
		StopTimeout: model.Duration(time.Second),
		Children: []model.ChildCfg{
			{Name: "web", Command: []string{sleep, "10"}},
			{Name: "bot", Command: []string{sleep, "10"}},
		},
	}
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	time.AfterFunc(100*time.Millisecond, cancel)

	supervisor := newSupervisor(t, cfg)
	report, err := supervisor.Do(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, map[string]int{"web": sigtermCode}, report.Codes)
	require.Equal(t, 1, supervisor.Set().Len())
}

func TestSupervisorFirstExit(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	sleep := lookPath(t, "sleep")

	cfg := model.Config{
		Policy:      model.PolicyFirstExit,
		StopTimeout: model.Duration(time.Second),
		Children: []model.ChildCfg{
			{Name: "web", Command: []string{sleep, "10"}},
			{Name: "bot", Command: []string{sh, "-c", "exit 2"}},
		},
	}
	start := time.Now()
	report, err := newSupervisor(t, cfg).Do(t.Context())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, []string{"bot", "web"}, report.Order)
	require.Equal(t, map[string]int{"bot": 2, "web": sigtermCode}, report.Codes)
	require.Equal(t, 2, report.ExitCode())
}

func TestSupervisorKillAfterStopTimeout(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cfg := model.Config{
		StopTimeout: model.Duration(200 * time.Millisecond),
		Children: []model.ChildCfg{
			{Name: "stubborn", Command: []string{sh, "-c", `trap "" TERM; sleep 10`}},
		},
	}
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	report, err := newSupervisor(t, cfg).Do(ctx)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 128+9, report.Codes["stubborn"])
}

func TestSupervisorHeartbeat(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cfg := model.Config{
		Status: &model.Status{
			Heartbeat: &model.Heartbeat{Duration: model.Duration(10 * time.Millisecond)},
		},
		Children: []model.ChildCfg{
			{Command: []string{sh, "-c", "sleep 0.1"}},
		},
	}
	report, err := newSupervisor(t, cfg).Do(t.Context())
	require.NoError(t, err)
	require.Zero(t, report.ExitCode())
}

func TestNewSupervisor(t *testing.T) {
	t.Parallel()
	_, err := service.NewSupervisor(model.DefaultConfig())
	require.ErrorIs(t, err, model.ErrNoChildren)

	cfg := model.DefaultConfig()
	cfg.Policy = "sometimes"
	cfg.Children = []model.ChildCfg{{Command: []string{"true"}}}
	_, err = service.NewSupervisor(cfg)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}
