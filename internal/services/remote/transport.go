// Package remote runs commands on and copies files to fleet hosts.
package remote

import (
	"context"

	"github.com/l8labs/backup-deploy/internal/models"
)

// Transport executes remote commands and file copies against a single host.
//
// Exec and Copy return an error only when the invocation could not be
// attempted at all. A command that ran and failed is reported through a
// nonzero CommandResult.ExitCode.
type Transport interface {
	Exec(ctx context.Context, host models.HostConfig, command string) (*models.CommandResult, error)
	Copy(ctx context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error)
	RenderExec(host models.HostConfig, command string) string
	RenderCopy(host models.HostConfig, localPath, remotePath string) string
}
