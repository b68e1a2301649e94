package uploader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/remote/remotetest"
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

func localFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/bash\n"), 0o600))
	return p
}

func newUploader(fake *remotetest.Fake) *Impl {
	return NewWithStrategies(testLogger(),
		NewDirect(fake),
		NewStaged(testLogger(), fake, "/tmp", fixedNow))
}

func TestUpload_Direct_SingleCopyNoElevation(t *testing.T) {
	fake := &remotetest.Fake{}
	local := localFile(t, "backup.sh")

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "bas1"}, local, "/root/scripts/backup.sh")

	require.NoError(t, err)
	require.Len(t, fake.Calls, 1)
	assert.Equal(t, remotetest.KindCopy, fake.Calls[0].Kind)
	assert.Equal(t, local, fake.Calls[0].Local)
	assert.Equal(t, "/root/scripts/backup.sh", fake.Calls[0].Remote)
	assert.Empty(t, fake.ExecsContaining("sudo"))
}

func TestUpload_Direct_CopyFails(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			return remotetest.Fail("Permission denied"), nil
		},
	}

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "bas1"}, localFile(t, "backup.sh"), "/root/scripts/backup.sh")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Permission denied")
}

func TestUpload_Staged_CopyThenElevatedMove(t *testing.T) {
	fake := &remotetest.Fake{}
	local := localFile(t, "backup.sh")

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "srv", NeedsSudo: true}, local, "/root/scripts/backup.sh")

	require.NoError(t, err)
	require.Len(t, fake.Calls, 2)

	copyCall := fake.Calls[0]
	assert.Equal(t, remotetest.KindCopy, copyCall.Kind)
	assert.Equal(t, "/tmp/deploy_backup.sh_20261018_093005", copyCall.Remote)
	assert.Contains(t, copyCall.Remote, "backup.sh")

	move := fake.Calls[1]
	assert.Equal(t, remotetest.KindExec, move.Kind)
	assert.Equal(t,
		"sudo cp /tmp/deploy_backup.sh_20261018_093005 /root/scripts/backup.sh && rm /tmp/deploy_backup.sh_20261018_093005",
		move.Command)
}

func TestUpload_Staged_CopyFailsSkipsMove(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			if call.Kind == remotetest.KindCopy {
				return remotetest.Fail("No space left on device"), nil
			}
			return nil, nil
		},
	}

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "srv", NeedsSudo: true}, localFile(t, "db.sh"), "/root/scripts/backup-modules/db.sh")

	require.Error(t, err)
	assert.Empty(t, fake.Execs())
}

func TestUpload_Staged_MoveFailsCleansUp(t *testing.T) {
	fake := &remotetest.Fake{
		Respond: func(call remotetest.Call) (*models.CommandResult, error) {
			if call.Kind == remotetest.KindExec && call.Command != "rm -f /tmp/deploy_db.sh_20261018_093005" {
				return remotetest.Fail("sudo: a password is required"), nil
			}
			return nil, nil
		},
	}

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "srv", NeedsSudo: true}, localFile(t, "db.sh"), "/root/scripts/backup-modules/db.sh")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "elevated move")
	assert.Equal(t, []string{
		"sudo cp /tmp/deploy_db.sh_20261018_093005 /root/scripts/backup-modules/db.sh && rm /tmp/deploy_db.sh_20261018_093005",
		"rm -f /tmp/deploy_db.sh_20261018_093005",
	}, fake.Execs())
}

func TestUpload_MissingLocalFile(t *testing.T) {
	fake := &remotetest.Fake{}

	err := newUploader(fake).Upload(context.Background(),
		models.HostConfig{Name: "bas1"}, "/nonexistent/mail.sh", "/root/scripts/backup-modules/mail.sh")

	assert.ErrorIs(t, err, ErrLocalFileNotFound)
	assert.Empty(t, fake.Calls)
}

func TestForHost(t *testing.T) {
	fake := &remotetest.Fake{}
	u := New(testLogger(), fake, "/tmp")

	assert.IsType(t, &Direct{}, u.ForHost(models.HostConfig{}))
	assert.IsType(t, &Staged{}, u.ForHost(models.HostConfig{NeedsSudo: true}))
}

func TestStagingPath(t *testing.T) {
	s := NewStaged(testLogger(), &remotetest.Fake{}, "/var/tmp", fixedNow)

	assert.Equal(t, "/var/tmp/deploy_dummy.sh_20261018_093005", s.StagingPath("/repo/modules/dummy.sh"))
}
