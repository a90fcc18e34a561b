package service

// Package service supervises a small set of long running child processes.
//
// Overview
// The Supervisor owns a Set of uniquely named Children. It launches them in
// the configured order, sleeping a fixed delay between two launches, and then
// joins them. The delay approximates readiness of the previous child (a web
// server binding its port), nothing probes the child itself.
//
//   Supervisor          Launcher             Sequencer          Joiner
//       |                   |                    |                 |
//       | Launch(spec[0]) ->| exec.Cmd.Start     |                 |
//       |<----- *Child -----|                    |                 |
//       | Delay(ctx) --------------------------->| timer / ctx     |
//       | Launch(spec[1]) ->| exec.Cmd.Start     |                 |
//       | Join(ctx, set) ------------------------------------------>| Wait per child
//       |<---------------------------- Report --------------------|
//
// Invariants:
//   - Every Child in the Set is either running or has a recorded exit code.
//   - Join returns exactly one exit code per launched child.
//   - A launch error terminates and reaps the already launched children.
//   - Cancelled context forwards SIGTERM to running children, SIGKILL follows
//     after the stop timeout.
//   - Children run in own process group on unix, so terminal signals reach
//     them only through the supervisor.
//
// Exit codes: a normal exit reports its status, a child killed by a signal
// reports 128+signal as a shell does, -1 means the status is unknown.
