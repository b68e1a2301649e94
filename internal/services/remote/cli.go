package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
)

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) (*models.CommandResult, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and captures stdout and stderr separately.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) (*models.CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &models.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("running %s: %w", name, err)
	}

	return result, nil
}

// SSHOptions returns the fixed option set passed to ssh and scp: accept
// unknown host keys, reject changed ones, and bound the connection attempt.
func SSHOptions(connectTimeout time.Duration) []string {
	seconds := int(connectTimeout.Round(time.Second) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return []string{
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=" + strconv.Itoa(seconds),
	}
}

// CLIOptions configures the external client transport.
type CLIOptions struct {
	KeyPath        string
	ConnectTimeout time.Duration
	SSHBinary      string // defaults to "ssh"
	SCPBinary      string // defaults to "scp"
}

// CLITransport drives the system ssh and scp binaries.
type CLITransport struct {
	opts     CLIOptions
	executor CommandExecutor
}

// NewCLITransport creates a transport backed by the external OpenSSH client.
func NewCLITransport(opts CLIOptions) *CLITransport {
	return NewCLITransportWithExecutor(opts, &DefaultExecutor{})
}

// NewCLITransportWithExecutor creates a transport with a custom executor (for testing).
func NewCLITransportWithExecutor(opts CLIOptions, executor CommandExecutor) *CLITransport {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SCPBinary == "" {
		opts.SCPBinary = "scp"
	}
	return &CLITransport{opts: opts, executor: executor}
}

// SSHArgs builds the argument list for running command on host.
func (t *CLITransport) SSHArgs(host models.HostConfig, command string) []string {
	args := []string{"-i", t.opts.KeyPath}
	if host.Port != 0 && host.Port != 22 {
		args = append(args, "-p", strconv.Itoa(host.Port))
	}
	args = append(args, SSHOptions(t.opts.ConnectTimeout)...)
	return append(args, host.Login(), command)
}

// SCPArgs builds the argument list for copying localPath to remotePath on host.
func (t *CLITransport) SCPArgs(host models.HostConfig, localPath, remotePath string) []string {
	args := []string{"-i", t.opts.KeyPath}
	if host.Port != 0 && host.Port != 22 {
		args = append(args, "-P", strconv.Itoa(host.Port))
	}
	args = append(args, SSHOptions(t.opts.ConnectTimeout)...)
	return append(args, localPath, host.Login()+":"+remotePath)
}

// Exec runs command on host through ssh.
func (t *CLITransport) Exec(ctx context.Context, host models.HostConfig, command string) (*models.CommandResult, error) {
	return t.executor.Execute(ctx, t.opts.SSHBinary, t.SSHArgs(host, command)...)
}

// Copy uploads localPath to remotePath on host through scp.
func (t *CLITransport) Copy(ctx context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error) {
	return t.executor.Execute(ctx, t.opts.SCPBinary, t.SCPArgs(host, localPath, remotePath)...)
}

// RenderExec returns the ssh invocation as a single line.
func (t *CLITransport) RenderExec(host models.HostConfig, command string) string {
	return t.opts.SSHBinary + " " + strings.Join(t.SSHArgs(host, command), " ")
}

// RenderCopy returns the scp invocation as a single line.
func (t *CLITransport) RenderCopy(host models.HostConfig, localPath, remotePath string) string {
	return t.opts.SCPBinary + " " + strings.Join(t.SCPArgs(host, localPath, remotePath), " ")
}
