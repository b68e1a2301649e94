// Package remotetest provides a scriptable remote.Service for tests.
package remotetest

import (
	"context"
	"strings"

	"github.com/l8labs/backup-deploy/internal/models"
)

// Call kinds.
const (
	KindExec = "exec"
	KindCopy = "copy"
)

// Call records a single invocation against the fake.
type Call struct {
	Kind    string
	Host    string
	Command string // exec only
	Local   string // copy only
	Remote  string // copy only
}

// Responder decides the result of a call. Returning nil result and nil
// error yields a successful empty result.
type Responder func(call Call) (*models.CommandResult, error)

// Fake implements remote.Service and records every call.
type Fake struct {
	Preview bool
	Respond Responder
	Calls   []Call
}

// RunRemote records an exec call.
func (f *Fake) RunRemote(_ context.Context, host models.HostConfig, command string) (*models.CommandResult, error) {
	return f.handle(Call{Kind: KindExec, Host: host.Name, Command: command})
}

// CopyTo records a copy call.
func (f *Fake) CopyTo(_ context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error) {
	return f.handle(Call{Kind: KindCopy, Host: host.Name, Local: localPath, Remote: remotePath})
}

// DryRun reports the configured preview flag.
func (f *Fake) DryRun() bool {
	return f.Preview
}

func (f *Fake) handle(call Call) (*models.CommandResult, error) {
	f.Calls = append(f.Calls, call)
	if f.Preview {
		return &models.CommandResult{Skipped: true}, nil
	}
	if f.Respond != nil {
		result, err := f.Respond(call)
		if result != nil || err != nil {
			return result, err
		}
	}
	return &models.CommandResult{}, nil
}

// Execs returns the commands of all exec calls in order.
func (f *Fake) Execs() []string {
	var out []string
	for _, c := range f.Calls {
		if c.Kind == KindExec {
			out = append(out, c.Command)
		}
	}
	return out
}

// Copies returns all copy calls in order.
func (f *Fake) Copies() []Call {
	var out []Call
	for _, c := range f.Calls {
		if c.Kind == KindCopy {
			out = append(out, c)
		}
	}
	return out
}

// ExecsContaining returns exec commands that contain substr.
func (f *Fake) ExecsContaining(substr string) []string {
	var out []string
	for _, cmd := range f.Execs() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

// Fail returns a result with exit code 1 and the given stderr.
func Fail(stderr string) *models.CommandResult {
	return &models.CommandResult{ExitCode: 1, Stderr: stderr}
}

// Output returns a successful result with the given stdout.
func Output(stdout string) *models.CommandResult {
	return &models.CommandResult{Stdout: stdout}
}
