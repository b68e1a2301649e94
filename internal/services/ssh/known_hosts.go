package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a host presents a key different from
// the one recorded in known_hosts.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// AcceptNewHostKeys returns a callback that records keys of unknown hosts in
// the known_hosts file at path and rejects hosts whose key changed.
func AcceptNewHostKeys(path string, logger zerolog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, fmt.Errorf("known_hosts path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts file: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s: %v", ErrHostKeyMismatch, hostname, err)
		}

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if err := appendLine(path, line); err != nil {
			return err
		}
		logger.Info().
			Str("host", hostname).
			Str("fingerprint", ssh.FingerprintSHA256(key)).
			Msg("added host key to known_hosts")
		return nil
	}, nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		return fmt.Errorf("open known_hosts file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts entry: %w", err)
	}
	return nil
}
