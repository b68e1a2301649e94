package models

import "strings"

// CommandResult holds the result of a single remote invocation.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Skipped  bool // preview mode, nothing was executed
}

// OK reports whether the invocation exited zero.
func (r *CommandResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// TrimmedStdout returns stdout without surrounding whitespace.
func (r *CommandResult) TrimmedStdout() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

// TrimmedStderr returns stderr without surrounding whitespace.
func (r *CommandResult) TrimmedStderr() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stderr)
}
