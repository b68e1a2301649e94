package script

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/remote/remotetest"
	"github.com/l8labs/backup-deploy/internal/services/uploader"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 18, 9, 30, 5, 0, time.UTC)
}

func testHost() models.HostConfig {
	return models.HostConfig{
		Name:       "bas1",
		FQDN:       "bas1.lan",
		SSHUser:    "root",
		ScriptPath: "/root/scripts/backup.sh",
	}
}

func newDeployer(t *testing.T, fake *remotetest.Fake) *Impl {
	t.Helper()

	source := filepath.Join(t.TempDir(), "backup.sh")
	require.NoError(t, os.WriteFile(source, []byte("ensure_backup_mount() {}\n"), 0o600))

	up := uploader.NewWithStrategies(testLogger(),
		uploader.NewDirect(fake),
		uploader.NewStaged(testLogger(), fake, "/tmp", fixedNow))

	return NewWithClock(testLogger(), fake, up, Settings{
		Source: source,
		Owner:  "root:root",
		Mode:   "755",
		Marker: "ensure_backup_mount",
	}, fixedNow)
}

// verified answers the grep with a positive count and everything else with success.
func verified(count string) remotetest.Responder {
	return func(call remotetest.Call) (*models.CommandResult, error) {
		if strings.Contains(call.Command, "grep -c") {
			return remotetest.Output(count + "\n"), nil
		}
		return nil, nil
	}
}

func TestBackupPath(t *testing.T) {
	assert.Equal(t, "/root/scripts/backup.sh.bak.20261018_093005", BackupPath("/root/scripts/backup.sh", fixedNow()))
}

func TestDeployScript_Success(t *testing.T) {
	fake := &remotetest.Fake{Respond: verified("2")}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	require.NoError(t, err)
	require.Len(t, fake.Calls, 4)
	assert.Equal(t, "cp /root/scripts/backup.sh /root/scripts/backup.sh.bak.20261018_093005", fake.Calls[0].Command)
	assert.Equal(t, remotetest.KindCopy, fake.Calls[1].Kind)
	assert.Equal(t, "/root/scripts/backup.sh", fake.Calls[1].Remote)
	assert.Equal(t, "chown root:root /root/scripts/backup.sh && chmod 755 /root/scripts/backup.sh", fake.Calls[2].Command)
	assert.Equal(t, "grep -c ensure_backup_mount /root/scripts/backup.sh", fake.Calls[3].Command)
}

func TestDeployScript_Sudo(t *testing.T) {
	fake := &remotetest.Fake{Respond: verified("1")}
	host := testHost()
	host.NeedsSudo = true

	err := newDeployer(t, fake).DeployScript(context.Background(), host)

	require.NoError(t, err)
	execs := fake.Execs()
	require.Len(t, execs, 4)
	assert.Equal(t, "sudo cp /root/scripts/backup.sh /root/scripts/backup.sh.bak.20261018_093005", execs[0])
	assert.True(t, strings.HasPrefix(execs[1], "sudo cp /tmp/deploy_backup.sh_20261018_093005 /root/scripts/backup.sh && rm "))
	assert.Equal(t, "sudo chown root:root /root/scripts/backup.sh && sudo chmod 755 /root/scripts/backup.sh", execs[2])
	assert.Equal(t, "sudo grep -c ensure_backup_mount /root/scripts/backup.sh", execs[3])
}

func TestDeployScript_BackupFailsSkipsUpload(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			return remotetest.Fail("cp: cannot stat '/root/scripts/backup.sh'"), nil
		},
	}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	require.ErrorIs(t, err, ErrBackupFailed)
	assert.Len(t, fake.Calls, 1)
	assert.Empty(t, fake.Copies())
}

func TestDeployScript_BackupTransportError(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			return nil, errors.New("connection reset")
		},
	}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	require.ErrorIs(t, err, ErrBackupFailed)
	assert.Empty(t, fake.Copies())
}

func TestDeployScript_UploadFails(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			if call.Kind == remotetest.KindCopy {
				return remotetest.Fail("scp: Permission denied"), nil
			}
			return nil, nil
		},
	}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Empty(t, fake.ExecsContaining("chmod"))
	assert.Empty(t, fake.ExecsContaining("grep"))
}

func TestDeployScript_PermissionFailureIsNotFatal(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			if strings.Contains(call.Command, "chown") {
				return remotetest.Fail("chown: Operation not permitted"), nil
			}
			return verified("1")(call)
		},
	}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	assert.NoError(t, err)
}

func TestDeployScript_VerificationFailures(t *testing.T) {
	tests := []struct {
		name   string
		result *models.CommandResult
	}{
		{name: "zero count", result: &models.CommandResult{ExitCode: 1, Stdout: "0\n"}},
		{name: "empty output", result: &models.CommandResult{}},
		{name: "zero count with success exit", result: &models.CommandResult{Stdout: "0"}},
		{name: "command failed", result: &models.CommandResult{ExitCode: 2, Stderr: "grep: No such file"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &remotetest.Fake{
				Respond: func(call remotetest.Call) (*models.CommandResult, error) {
					if strings.Contains(call.Command, "grep -c") {
						return tt.result, nil
					}
					return nil, nil
				},
			}

			err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

			require.ErrorIs(t, err, ErrVerificationFailed)
			// The new script was still written.
			assert.Len(t, fake.Copies(), 1)
		})
	}
}

func TestDeployScript_DryRunSkipsVerification(t *testing.T) {
	fake := &remotetest.Fake{Preview: true}

	err := newDeployer(t, fake).DeployScript(context.Background(), testHost())

	require.NoError(t, err)
	assert.Empty(t, fake.ExecsContaining("grep"))
	assert.Len(t, fake.Copies(), 1)
}
