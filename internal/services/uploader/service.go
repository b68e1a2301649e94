// Package uploader places local files at absolute paths on fleet hosts.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/remote"
	"github.com/rs/zerolog"
)

// ErrLocalFileNotFound is returned when the file to upload does not exist locally.
var ErrLocalFileNotFound = errors.New("local file not found")

// Service defines the interface for file uploads.
type Service interface {
	Upload(ctx context.Context, host models.HostConfig, localPath, remotePath string) error
}

// Strategy places one file on a host.
type Strategy interface {
	Upload(ctx context.Context, host models.HostConfig, localPath, remotePath string) error
}

// Direct copies the file straight to its final path.
type Direct struct {
	remote remote.Service
}

// NewDirect creates a direct upload strategy.
func NewDirect(remoteSvc remote.Service) *Direct {
	return &Direct{remote: remoteSvc}
}

// Upload copies localPath to remotePath in a single transfer.
func (d *Direct) Upload(ctx context.Context, host models.HostConfig, localPath, remotePath string) error {
	result, err := d.remote.CopyTo(ctx, host, localPath, remotePath)
	if err := commandError("copy", result, err); err != nil {
		return err
	}
	return nil
}

// Staged copies the file to a unique temporary path as the SSH user and
// then moves it into place with an elevated command.
type Staged struct {
	remote  remote.Service
	tempDir string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewStaged creates a staged upload strategy writing into tempDir.
func NewStaged(logger zerolog.Logger, remoteSvc remote.Service, tempDir string, now func() time.Time) *Staged {
	if now == nil {
		now = time.Now
	}
	return &Staged{
		remote:  remoteSvc,
		tempDir: tempDir,
		now:     now,
		logger:  logger,
	}
}

// StagingPath returns the temporary path used for localPath.
func (s *Staged) StagingPath(localPath string) string {
	name := fmt.Sprintf("deploy_%s_%s", filepath.Base(localPath), remote.Timestamp(s.now()))
	return path.Join(s.tempDir, name)
}

// Upload stages localPath and moves it to remotePath. If the move fails the
// staged copy is removed on a best-effort basis.
func (s *Staged) Upload(ctx context.Context, host models.HostConfig, localPath, remotePath string) error {
	tmpPath := s.StagingPath(localPath)

	result, err := s.remote.CopyTo(ctx, host, localPath, tmpPath)
	if err := commandError("staging copy", result, err); err != nil {
		return err
	}

	move := fmt.Sprintf("sudo cp %s %s && rm %s",
		remote.Quote(tmpPath), remote.Quote(remotePath), remote.Quote(tmpPath))
	result, err = s.remote.RunRemote(ctx, host, move)
	if moveErr := commandError("elevated move", result, err); moveErr != nil {
		cleanup, err := s.remote.RunRemote(ctx, host, "rm -f "+remote.Quote(tmpPath))
		if err != nil || !cleanup.OK() {
			s.logger.Debug().Str("host", host.Name).Str("path", tmpPath).Msg("could not remove staged file")
		}
		return moveErr
	}

	return nil
}

func commandError(step string, result *models.CommandResult, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if !result.OK() {
		return fmt.Errorf("%s exited %d: %s", step, result.ExitCode, result.TrimmedStderr())
	}
	return nil
}

// Impl implements the uploader Service interface, choosing a strategy per host.
type Impl struct {
	direct Strategy
	staged Strategy
	logger zerolog.Logger
}

// New creates a new uploader.
func New(logger zerolog.Logger, remoteSvc remote.Service, tempDir string) *Impl {
	return NewWithStrategies(logger, NewDirect(remoteSvc), NewStaged(logger, remoteSvc, tempDir, time.Now))
}

// NewWithStrategies creates a new uploader with custom strategies (for testing).
func NewWithStrategies(logger zerolog.Logger, direct, staged Strategy) *Impl {
	return &Impl{
		direct: direct,
		staged: staged,
		logger: logger,
	}
}

// ForHost returns the strategy used for host.
func (s *Impl) ForHost(host models.HostConfig) Strategy {
	if host.NeedsSudo {
		return s.staged
	}
	return s.direct
}

// Upload places localPath at remotePath on host. The local file must exist.
func (s *Impl) Upload(ctx context.Context, host models.HostConfig, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalFileNotFound, localPath)
		}
		return fmt.Errorf("checking %s: %w", localPath, err)
	}

	s.logger.Debug().
		Str("host", host.Name).
		Str("local", localPath).
		Str("remote", remotePath).
		Bool("staged", host.NeedsSudo).
		Msg("uploading file")

	if err := s.ForHost(host).Upload(ctx, host, localPath, remotePath); err != nil {
		return fmt.Errorf("upload %s to %s: %w", filepath.Base(localPath), remotePath, err)
	}
	return nil
}
