package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/supervisor/internal/model"
)

type Supervisor struct {
	specs     []model.ChildCfg
	launcher  *Launcher
	sequencer Sequencer
	joiner    Joiner
	heartbeat *model.Heartbeat
	set       *Set
}

func NewSupervisor(cfg model.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Children) == 0 {
		return nil, model.ErrNoChildren
	}

	var heartbeat *model.Heartbeat
	if cfg.Status != nil {
		heartbeat = cfg.Status.Heartbeat
	}

	return &Supervisor{
		specs:     cfg.Children,
		launcher:  NewLauncher(nil, nil, cfg.PrefixOutput),
		sequencer: Sequencer{Duration: cfg.Delay.AsDuration()},
		joiner: Joiner{
			Policy:      cfg.Policy,
			StopTimeout: cfg.StopTimeout.AsDuration(),
		},
		heartbeat: heartbeat,
		set:       NewSet(),
	}, nil
}

// WithOutput redirects children output. This method exists for a unit testing only.
func (s *Supervisor) WithOutput(stdout, stderr io.Writer) *Supervisor {
	s.launcher = NewLauncher(stdout, stderr, s.launcher.prefix)
	return s
}

// Set returns the supervised children, it is safe to read it concurrently
// with Do.
func (s *Supervisor) Set() *Set {
	return s.set
}

// Do launches all children in order, delaying between two launches, and
// joins them.
//
// Startup: a launch error terminates and reaps already launched children and
// is returned as *model.LaunchError. Cancelled ctx during the startup does
// the same and returns ctx.Err().
// Join: see Joiner.Join. The returned Report holds one exit code per launched
// child, Report.ExitCode is the supervisor's exit code.
func (s *Supervisor) Do(ctx context.Context) (Report, error) {
	if s.set.Len() != 0 {
		return Report{}, errors.New("supervisor can't be started twice")
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	slog.DebugContext(ctx, "starting a supervisor", "children", len(s.specs), "delay", s.sequencer.Duration.String())

	if s.heartbeat != nil {
		scheduler, err := newScheduler(ctx, *s.heartbeat, func() { s.logHeartbeat(ctx) })
		if err != nil {
			return Report{}, fmt.Errorf("heartbeat: %w", err)
		}
		scheduler.Start()
		defer func() {
			err := scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for idx, spec := range s.specs {
		if idx > 0 {
			if err := s.sequencer.Delay(ctx); err != nil {
				slog.WarnContext(ctx, "startup interrupted", "next_child", spec.Name, "error", err)
				return s.joiner.join(ctx, s.set, true), fmt.Errorf("starting %s: %w", spec.Name, err)
			}
		}

		child, err := s.launcher.Launch(ctx, spec)
		if err != nil {
			slog.ErrorContext(ctx, "launch failed: aborting startup", "child", spec.Name, "error", err)
			return s.joiner.join(ctx, s.set, true), err
		}
		s.set.Add(child)
	}

	slog.InfoContext(ctx, "all children started", "children", s.set.Len())
	report := s.joiner.Join(ctx, s.set)
	if err := report.Err(); err != nil {
		slog.WarnContext(ctx, "supervisor done", "codes", report.Codes, "error", err)
	} else {
		slog.InfoContext(ctx, "supervisor done", "codes", report.Codes)
	}
	return report, nil
}

func (s *Supervisor) logHeartbeat(ctx context.Context) {
	for _, state := range s.set.Snapshot() {
		attrs := []any{
			"child", state.Name,
			"pid", state.PID,
			"running", state.Running,
		}
		if state.ExitCode != nil {
			attrs = append(attrs, "exit_code", *state.ExitCode)
		}
		slog.InfoContext(ctx, "heartbeat", attrs...)
	}
}

func newScheduler(ctx context.Context, cfg model.Heartbeat, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		_, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing status.heartbeat.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration > 0:
		slog.DebugContext(ctx, "successfully parsed", "duration", cfg.Duration.String())
		job = gocron.DurationJob(cfg.Duration.AsDuration())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
