package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
)

// TimestampFormat is the second-resolution stamp used in backup and
// staging file names.
const TimestampFormat = "20060102_150405"

// Timestamp formats t for use in remote file names.
func Timestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

// Sudo prefixes command with sudo when the host requires elevation.
func Sudo(host models.HostConfig, command string) string {
	if host.NeedsSudo {
		return "sudo " + command
	}
	return command
}

// SecureCommand sets owner and mode on path, elevated if required.
func SecureCommand(host models.HostConfig, path, owner, mode string) string {
	p := Quote(path)
	return Sudo(host, fmt.Sprintf("chown %s %s", owner, p)) +
		" && " +
		Sudo(host, fmt.Sprintf("chmod %s %s", mode, p))
}

// Quote single-quotes s for a POSIX shell unless it only holds safe characters.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("/._-+:@%=,", r):
		return false
	default:
		return true
	}
}
