// Package script deploys the backup orchestrator script to a host.
package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/remote"
	"github.com/l8labs/backup-deploy/internal/services/uploader"
	"github.com/rs/zerolog"
)

// Errors reported by DeployScript. The step that failed is wrapped so
// callers can tell them apart with errors.Is.
var (
	ErrBackupFailed       = errors.New("failed to back up existing script")
	ErrUploadFailed       = errors.New("failed to upload script")
	ErrVerificationFailed = errors.New("verification failed")
)

// Service defines the interface for orchestrator script deployment.
type Service interface {
	DeployScript(ctx context.Context, host models.HostConfig) error
}

// Settings holds what the deployer needs besides the host.
type Settings struct {
	Source string // local orchestrator script
	Owner  string
	Mode   string
	Marker string // must appear in the deployed script
}

// Impl implements the script Service interface.
type Impl struct {
	remote   remote.Service
	uploader uploader.Service
	settings Settings
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a new script deployer.
func New(logger zerolog.Logger, remoteSvc remote.Service, uploaderSvc uploader.Service, settings Settings) *Impl {
	return NewWithClock(logger, remoteSvc, uploaderSvc, settings, time.Now)
}

// NewWithClock creates a new script deployer with a custom clock (for testing).
func NewWithClock(
	logger zerolog.Logger,
	remoteSvc remote.Service,
	uploaderSvc uploader.Service,
	settings Settings,
	now func() time.Time,
) *Impl {
	return &Impl{
		remote:   remoteSvc,
		uploader: uploaderSvc,
		settings: settings,
		now:      now,
		logger:   logger,
	}
}

// BackupPath returns the timestamped path the live script is copied to.
func BackupPath(scriptPath string, now time.Time) string {
	return fmt.Sprintf("%s.bak.%s", scriptPath, remote.Timestamp(now))
}

// DeployScript backs up the live script, uploads the new one, secures it
// and verifies the marker is present. The live script is never touched if
// the backup fails.
func (s *Impl) DeployScript(ctx context.Context, host models.HostConfig) error {
	scriptPath := host.ScriptPath
	backupPath := BackupPath(scriptPath, s.now())

	// Step 1: Back up existing script
	s.logger.Info().Str("host", host.Name).Str("path", scriptPath).Str("backup", backupPath).Msg("backing up script")
	backup := remote.Sudo(host, fmt.Sprintf("cp %s %s", remote.Quote(scriptPath), remote.Quote(backupPath)))
	result, err := s.remote.RunRemote(ctx, host, backup)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrBackupFailed, host.Name, err)
	}
	if !result.OK() {
		return fmt.Errorf("%w on %s: %s", ErrBackupFailed, host.Name, result.TrimmedStderr())
	}

	// Step 2: Upload new script
	s.logger.Info().Str("host", host.Name).Str("path", scriptPath).Msg("uploading script")
	if err := s.uploader.Upload(ctx, host, s.settings.Source, scriptPath); err != nil {
		return fmt.Errorf("%w to %s: %w", ErrUploadFailed, host.Name, err)
	}

	// Step 3: Ownership and permissions, best effort
	secure := remote.SecureCommand(host, scriptPath, s.settings.Owner, s.settings.Mode)
	if result, err := s.remote.RunRemote(ctx, host, secure); err != nil || !result.OK() {
		s.logger.Warn().Str("host", host.Name).Str("path", scriptPath).Msg("could not set ownership and permissions")
	}

	// Step 4: Verify
	if s.remote.DryRun() {
		return nil
	}
	return s.verify(ctx, host)
}

func (s *Impl) verify(ctx context.Context, host models.HostConfig) error {
	grep := remote.Sudo(host, fmt.Sprintf("grep -c %s %s",
		remote.Quote(s.settings.Marker), remote.Quote(host.ScriptPath)))

	result, err := s.remote.RunRemote(ctx, host, grep)
	if err != nil {
		return fmt.Errorf("%w: %s not found: %w", ErrVerificationFailed, s.settings.Marker, err)
	}

	count, convErr := strconv.Atoi(result.TrimmedStdout())
	if !result.OK() || convErr != nil || count == 0 {
		return fmt.Errorf("%w: %s not found in %s", ErrVerificationFailed, s.settings.Marker, host.ScriptPath)
	}

	s.logger.Info().
		Str("host", host.Name).
		Str("marker", s.settings.Marker).
		Int("count", count).
		Msg("VERIFIED: marker present in deployed script")
	return nil
}
