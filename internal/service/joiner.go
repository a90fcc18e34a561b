package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/supervisor/internal/model"
	"github.com/CZERTAINLY/supervisor/internal/parallel"
)

// Report is the outcome of a Join.
type Report struct {
	// Codes maps a child name to its exit code
	Codes map[string]int
	// Order lists child names in order of exit
	Order []string
}

// ExitCode returns 0 if all children exited with 0, otherwise the
// first non-zero exit code observed.
func (r Report) ExitCode() int {
	for _, name := range r.Order {
		if code := r.Codes[name]; code != 0 {
			return code
		}
	}
	return 0
}

// Err returns *model.ChildExitedNonZero for the first child with non-zero
// exit code or nil.
func (r Report) Err() error {
	for _, name := range r.Order {
		if code := r.Codes[name]; code != 0 {
			return &model.ChildExitedNonZero{Name: name, Code: code}
		}
	}
	return nil
}

// Joiner waits for all children of a Set.
type Joiner struct {
	// Policy is model.PolicyWaitAll or model.PolicyFirstExit
	Policy string
	// StopTimeout is how long terminated children have before SIGKILL
	StopTimeout time.Duration
}

// Join blocks until every child in the set exited and returns exactly one
// exit code per child. Cancelled ctx forwards termination to the running
// children, Join still waits for them to exit.
func (j Joiner) Join(ctx context.Context, set *Set) Report {
	return j.join(ctx, set, false)
}

// join with stopNow terminates all children right away, used when the
// startup is aborted
func (j Joiner) join(ctx context.Context, set *Set, stopNow bool) Report {
	children := set.Children()
	report := Report{
		Codes: make(map[string]int, len(children)),
		Order: make([]string, 0, len(children)),
	}
	if len(children) == 0 {
		return report
	}

	st := newStopper(set, j.StopTimeout)
	defer st.close()

	if stopNow {
		st.stop(ctx, "startup aborted")
	}
	st.wg.Go(func() {
		select {
		case <-ctx.Done():
			st.stop(ctx, "supervisor stopped")
		case <-st.done:
		}
	})

	// waiting must not be interrupted by ctx, it carries the log attributes only
	waitCtx := context.WithoutCancel(ctx)
	wait := func(ctx context.Context, c *Child) *Child {
		return c.wait(ctx)
	}
	for c := range parallel.Map(waitCtx, 0, slices.Values(children), wait) {
		code, _ := c.ExitCode()
		report.Codes[c.Name] = code
		report.Order = append(report.Order, c.Name)
		if j.Policy == model.PolicyFirstExit && len(report.Order) < len(children) {
			st.stop(ctx, "first child exited: "+c.Name)
		}
	}
	return report
}

// stopper terminates children at most once and escalates to kill
// after a timeout
type stopper struct {
	once    sync.Once
	set     *Set
	timeout time.Duration
	done    chan struct{}
	wg      sync.WaitGroup
}

func newStopper(set *Set, timeout time.Duration) *stopper {
	return &stopper{
		set:     set,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (s *stopper) stop(ctx context.Context, reason string) {
	s.once.Do(func() {
		slog.InfoContext(ctx, "terminating children", "reason", reason)
		s.set.Terminate(ctx)
		s.wg.Go(func() {
			if s.timeout <= 0 {
				s.set.Kill(ctx)
				return
			}
			t := time.NewTimer(s.timeout)
			defer t.Stop()
			select {
			case <-s.done:
			case <-t.C:
				slog.WarnContext(ctx, "children did not stop in time", "stop_timeout", s.timeout.String())
				s.set.Kill(ctx)
			}
		})
	})
}

func (s *stopper) close() {
	close(s.done)
	s.wg.Wait()
}
