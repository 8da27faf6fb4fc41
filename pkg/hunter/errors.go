package hunter

import (
	"context"
	"errors"
)

// Terminal errors returned by Run
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrCancelled            = errors.New("hunt cancelled")
	ErrFatalAuth            = errors.New("fatal authorization error")
	ErrExhausted            = errors.New("all workers exited without a match")
)

// Exit codes for ip-hunter
const (
	ExitMatch     = 0
	ExitFailure   = 1
	ExitAuth      = 2
	ExitConfig    = 64
	ExitCancelled = 130
)

// ExitCode maps an error from Run (or the CLI around it) to a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitMatch
	case errors.Is(err, ErrInvalidConfiguration):
		return ExitConfig
	case errors.Is(err, ErrFatalAuth):
		return ExitAuth
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitFailure
	}
}
