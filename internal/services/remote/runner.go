package remote

import (
	"context"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for remote operations against one host.
type Service interface {
	RunRemote(ctx context.Context, host models.HostConfig, command string) (*models.CommandResult, error)
	CopyTo(ctx context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error)
	DryRun() bool
}

// Impl implements the remote Service interface.
type Impl struct {
	transport Transport
	dryRun    bool
	logger    zerolog.Logger
}

// New creates a new remote command runner. With dryRun set, commands are
// rendered and logged but never executed.
func New(logger zerolog.Logger, transport Transport, dryRun bool) *Impl {
	return &Impl{
		transport: transport,
		dryRun:    dryRun,
		logger:    logger,
	}
}

// DryRun reports whether the runner is in preview mode.
func (s *Impl) DryRun() bool {
	return s.dryRun
}

// RunRemote executes command on host exactly once.
func (s *Impl) RunRemote(ctx context.Context, host models.HostConfig, command string) (*models.CommandResult, error) {
	if s.dryRun {
		return s.preview(s.transport.RenderExec(host, command)), nil
	}

	s.logger.Debug().Str("host", host.Name).Str("command", command).Msg("running remote command")

	result, err := s.transport.Exec(ctx, host, command)
	s.report(host, err, result)
	return result, err
}

// CopyTo uploads localPath to remotePath on host exactly once.
func (s *Impl) CopyTo(ctx context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error) {
	if s.dryRun {
		return s.preview(s.transport.RenderCopy(host, localPath, remotePath)), nil
	}

	s.logger.Debug().
		Str("host", host.Name).
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("copying file")

	result, err := s.transport.Copy(ctx, host, localPath, remotePath)
	s.report(host, err, result)
	return result, err
}

func (s *Impl) preview(rendered string) *models.CommandResult {
	s.logger.Info().Msgf("[dry-run] %s", rendered)
	return &models.CommandResult{Skipped: true}
}

func (s *Impl) report(host models.HostConfig, err error, result *models.CommandResult) {
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("host", host.Name).Msg("FAILED")
	case !result.OK():
		s.logger.Error().
			Str("host", host.Name).
			Int("exit_code", result.ExitCode).
			Str("stderr", result.TrimmedStderr()).
			Msg("FAILED")
	}
}
