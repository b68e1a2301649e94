// Package ssh implements a native remote transport over golang.org/x/crypto/ssh
// and SFTP, used instead of the system ssh/scp binaries when
// ssh.transport is "native".
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	NewSFTP() (SFTPClient, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	// Run executes cmd and returns its streams and exit status. err is only
	// set when the command could not be run to completion.
	Run(cmd string) (stdout, stderr []byte, exitCode int, err error)
	Close() error
}

// SFTPClient wraps sftp.Client for mocking.
type SFTPClient interface {
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) NewSFTP() (SFTPClient, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &defaultSFTPClient{client: client}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) Run(cmd string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	s.session.Stdout = &stdout
	s.session.Stderr = &stderr

	err := s.session.Run(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

type defaultSFTPClient struct {
	client *sftp.Client
}

func (c *defaultSFTPClient) Create(path string) (io.WriteCloser, error) {
	return c.client.Create(path)
}

func (c *defaultSFTPClient) Close() error {
	return c.client.Close()
}

// Options configures the native transport.
type Options struct {
	KeyPath        string
	KnownHostsPath string
	ConnectTimeout time.Duration
}

// Transport implements remote.Transport over a native SSH connection.
// Every call opens its own connection so each command is attempted once
// under its own connect timeout.
type Transport struct {
	clientFactory ClientFactory
	opts          Options
	logger        zerolog.Logger
}

// New creates a new native SSH transport.
func New(logger zerolog.Logger, opts Options) *Transport {
	return &Transport{
		clientFactory: &DefaultClientFactory{},
		opts:          opts,
		logger:        logger,
	}
}

// NewWithClientFactory creates a new native transport with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, opts Options, factory ClientFactory) *Transport {
	return &Transport{
		clientFactory: factory,
		opts:          opts,
		logger:        logger,
	}
}

// ParseKeyFile reads and parses a private key.
func ParseKeyFile(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path) //nolint:gosec // path supplied by operator
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

func (t *Transport) buildConfig(host models.HostConfig) (*ssh.ClientConfig, error) {
	if t.opts.KeyPath == "" {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ParseKeyFile(t.opts.KeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := AcceptNewHostKeys(t.opts.KnownHostsPath, t.logger)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User: host.SSHUser,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.opts.ConnectTimeout,
	}, nil
}

func (t *Transport) connect(ctx context.Context, host models.HostConfig) (SSHClient, error) {
	sshConfig, err := t.buildConfig(host)
	if err != nil {
		return nil, err
	}

	// Create client with context timeout
	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := t.clientFactory.NewClient("tcp", host.Address(), sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		// The dial may still succeed after cancellation.
		go func() {
			if res := <-clientChan; res.err == nil && res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", res.err)
		}
		return res.client, nil
	}
}

// Exec runs command on host.
func (t *Transport) Exec(ctx context.Context, host models.HostConfig, command string) (*models.CommandResult, error) {
	client, err := t.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	t.logger.Debug().Str("host", host.Name).Str("command", command).Msg("executing command")

	stdout, stderr, exitCode, err := session.Run(command)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}

	return &models.CommandResult{
		ExitCode: exitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}, nil
}

// Copy uploads localPath to remotePath on host over SFTP. Remote write
// failures are reported as a failed result, like a failing scp.
func (t *Transport) Copy(ctx context.Context, host models.HostConfig, localPath, remotePath string) (*models.CommandResult, error) {
	src, err := os.Open(localPath) //nolint:gosec // payload path from config
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	client, err := t.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	sftpClient, err := client.NewSFTP()
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp: %w", err)
	}
	defer func() { _ = sftpClient.Close() }()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &models.CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("%s: %v", remotePath, err)}, nil
	}

	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return &models.CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("%s: %v", remotePath, err)}, nil
	}

	t.logger.Debug().
		Str("host", host.Name).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("file uploaded")

	return &models.CommandResult{}, nil
}

// RenderExec describes an exec call for preview output.
func (t *Transport) RenderExec(host models.HostConfig, command string) string {
	return fmt.Sprintf("ssh %s -p %d %s", host.Login(), portOf(host), command)
}

// RenderCopy describes a copy call for preview output.
func (t *Transport) RenderCopy(host models.HostConfig, localPath, remotePath string) string {
	return fmt.Sprintf("sftp %s -> %s:%s", localPath, host.Login(), remotePath)
}

func portOf(host models.HostConfig) int {
	if host.Port == 0 {
		return 22
	}
	return host.Port
}
