// Package models contains the data structures used throughout backup-deploy.
package models

import (
	"net"
	"strconv"
	"time"
)

// DeployConfig holds the complete configuration for a deployment run.
type DeployConfig struct {
	SSHKey   string // private key path, home-expanded
	SSH      SSHSettings
	Source   SourcePaths
	Remote   RemoteSettings
	Verify   VerifySettings
	Hosts    []HostConfig    // configuration order
	Telegram *TelegramConfig // nil if not configured
	Metrics  *MetricsConfig  // nil if not configured
}

// Host returns the host with the given name.
func (c DeployConfig) Host(name string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostConfig{}, false
}

// HostNames returns the configured host names in configuration order.
func (c DeployConfig) HostNames() []string {
	names := make([]string, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		names = append(names, h.Name)
	}
	return names
}

// SSHSettings holds connection settings shared by all hosts.
type SSHSettings struct {
	Port           int
	ConnectTimeout time.Duration
	Transport      string // "cli" (default) or "native"
	KnownHosts     string // used by the native transport
}

// Transport names.
const (
	TransportCLI    = "cli"
	TransportNative = "native"
)

// SourcePaths holds the local payload locations.
type SourcePaths struct {
	Script      string
	ModulesDir  string
	DummyModule string
}

// RemoteSettings holds the remote filesystem conventions.
type RemoteSettings struct {
	ModulesDir string
	TempDir    string
	Owner      string
	Mode       string
}

// VerifySettings holds post-deploy verification settings.
type VerifySettings struct {
	Marker string
}

// HostConfig holds the deployment settings for a single host.
type HostConfig struct {
	Name         string
	FQDN         string
	SSHUser      string
	Port         int
	NeedsSudo    bool
	ScriptPath   string
	Modules      []string
	DummyModules []string
	WOL          *WOLConfig // nil if not configured
}

// Address returns host:port for the host.
func (h HostConfig) Address() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.FQDN, strconv.Itoa(port))
}

// Login returns user@fqdn.
func (h HostConfig) Login() string {
	if h.SSHUser == "" {
		return h.FQDN
	}
	return h.SSHUser + "@" + h.FQDN
}

// HasModules reports whether any real or dummy module is configured.
func (h HostConfig) HasModules() bool {
	return len(h.Modules)+len(h.DummyModules) > 0
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	Textfile string
}
