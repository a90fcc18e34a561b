package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoChildren    = errors.New("no children to supervise")
)

// LaunchError is returned when a child can't be spawned. It aborts
// the start of remaining children.
type LaunchError struct {
	Name    string
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s (%s): %v", e.Name, strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ChildExitedNonZero reports a child which terminated with non zero code.
// It is not fatal for a supervisor waiting on all children.
type ChildExitedNonZero struct {
	Name string
	Code int
}

func (e *ChildExitedNonZero) Error() string {
	return e.Name + " exited with code " + strconv.Itoa(e.Code)
}
