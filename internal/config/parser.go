// Package config provides configuration file parsing.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file used when none is given.
const DefaultFile = "deploy-config.json"

// Defaults for the remote conventions shared by every host.
const (
	DefaultRemoteModulesDir = "/root/scripts/backup-modules"
	DefaultRemoteTempDir    = "/tmp"
	DefaultOwner            = "root:root"
	DefaultMode             = "755"
	DefaultMarker           = "ensure_backup_mount"
	DefaultConnectTimeout   = 10 * time.Second
)

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Parser handles configuration file parsing.
type Parser struct {
	v       *viper.Viper
	baseDir string
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetEnvPrefix("BACKUP_DEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.transport", models.TransportCLI)
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("source.script", "backup.sh")
	v.SetDefault("source.modules_dir", "modules")
	v.SetDefault("source.dummy_module", "dummy.sh")
	v.SetDefault("remote.modules_dir", DefaultRemoteModulesDir)
	v.SetDefault("remote.temp_dir", DefaultRemoteTempDir)
	v.SetDefault("remote.owner", DefaultOwner)
	v.SetDefault("remote.mode", DefaultMode)
	v.SetDefault("verify.marker", DefaultMarker)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path. Relative source paths
// resolve against the directory holding the file.
func (p *Parser) LoadFile(file string) (*models.DeployConfig, error) {
	data, err := os.ReadFile(file) //nolint:gosec // path supplied by operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, file)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	p.baseDir = filepath.Dir(abs)

	return p.load(data, formatOf(file))
}

// LoadReader loads configuration from a string (useful for testing).
// format is "json" or "yaml".
func (p *Parser) LoadReader(content, format string) (*models.DeployConfig, error) {
	return p.load([]byte(content), format)
}

func formatOf(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func (p *Parser) load(data []byte, format string) (*models.DeployConfig, error) {
	p.v.SetConfigType(format)
	if err := p.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	hosts, err := decodeHosts(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing hosts: %w", err)
	}

	return p.parse(hosts)
}

// hostFile mirrors one entry of the hosts mapping.
type hostFile struct {
	FQDN         string   `json:"fqdn" yaml:"fqdn"`
	SSHUser      string   `json:"ssh_user" yaml:"ssh_user"`
	Port         int      `json:"port" yaml:"port"`
	NeedsSudo    bool     `json:"needs_sudo" yaml:"needs_sudo"`
	ScriptPath   string   `json:"script_path" yaml:"script_path"`
	Modules      []string `json:"modules" yaml:"modules"`
	DummyModules []string `json:"dummy_modules" yaml:"dummy_modules"`
	WOL          *wolFile `json:"wol" yaml:"wol"`
}

type wolFile struct {
	MACAddress    string `json:"mac_address" yaml:"mac_address"`
	BroadcastIP   string `json:"broadcast_ip" yaml:"broadcast_ip"`
	Timeout       string `json:"timeout" yaml:"timeout"`
	PollInterval  string `json:"poll_interval" yaml:"poll_interval"`
	StabilizeWait string `json:"stabilize_wait" yaml:"stabilize_wait"`
}

type namedHost struct {
	name string
	hostFile
}

// decodeHosts reads the hosts mapping keeping file order and key case.
func decodeHosts(data []byte, format string) ([]namedHost, error) {
	if format == "yaml" {
		return decodeHostsYAML(data)
	}
	return decodeHostsJSON(data)
}

func decodeHostsYAML(data []byte) ([]namedHost, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("top level must be a mapping")
	}

	top := root.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value != "hosts" {
			continue
		}
		hostsNode := top.Content[i+1]
		if hostsNode.Kind != yaml.MappingNode {
			return nil, errors.New("hosts must be a mapping")
		}
		hosts := make([]namedHost, 0, len(hostsNode.Content)/2)
		for j := 0; j+1 < len(hostsNode.Content); j += 2 {
			h := namedHost{name: hostsNode.Content[j].Value}
			if err := hostsNode.Content[j+1].Decode(&h.hostFile); err != nil {
				return nil, fmt.Errorf("host %q: %w", h.name, err)
			}
			hosts = append(hosts, h)
		}
		return hosts, nil
	}
	return nil, nil
}

func decodeHostsJSON(data []byte) ([]namedHost, error) {
	var top struct {
		Hosts json.RawMessage `json:"hosts"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if len(top.Hosts) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(top.Hosts))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("hosts must be an object")
	}

	var hosts []namedHost
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)
		h := namedHost{name: name}
		if err := dec.Decode(&h.hostFile); err != nil {
			return nil, fmt.Errorf("host %q: %w", name, err)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse(hosts []namedHost) (*models.DeployConfig, error) {
	cfg := &models.DeployConfig{}

	// SSH key (required).
	key := p.expandEnv(p.v.GetString("ssh_key"))
	if key == "" {
		return nil, fmt.Errorf("ssh_key is required")
	}
	expanded, err := expandHome(key)
	if err != nil {
		return nil, err
	}
	cfg.SSHKey = expanded

	// SSH settings.
	cfg.SSH = models.SSHSettings{
		Port:      p.v.GetInt("ssh.port"),
		Transport: strings.ToLower(p.v.GetString("ssh.transport")),
	}
	cfg.SSH.ConnectTimeout, err = p.connectTimeout()
	if err != nil {
		return nil, err
	}
	validTransports := map[string]bool{models.TransportCLI: true, models.TransportNative: true}
	if !validTransports[cfg.SSH.Transport] {
		return nil, fmt.Errorf("ssh.transport must be one of: cli, native")
	}
	cfg.SSH.KnownHosts, err = expandHome(p.expandEnv(p.v.GetString("ssh.known_hosts")))
	if err != nil {
		return nil, err
	}

	// Local payloads.
	cfg.Source = models.SourcePaths{
		Script:     p.resolve(p.v.GetString("source.script")),
		ModulesDir: p.resolve(p.v.GetString("source.modules_dir")),
	}
	dummy := p.expandEnv(p.v.GetString("source.dummy_module"))
	if filepath.IsAbs(dummy) {
		cfg.Source.DummyModule = dummy
	} else {
		cfg.Source.DummyModule = filepath.Join(cfg.Source.ModulesDir, dummy)
	}

	// Remote conventions.
	cfg.Remote = models.RemoteSettings{
		ModulesDir: strings.TrimRight(p.v.GetString("remote.modules_dir"), "/"),
		TempDir:    strings.TrimRight(p.v.GetString("remote.temp_dir"), "/"),
		Owner:      p.v.GetString("remote.owner"),
		Mode:       p.v.GetString("remote.mode"),
	}
	if !path.IsAbs(cfg.Remote.ModulesDir) {
		return nil, fmt.Errorf("remote.modules_dir must be an absolute path")
	}
	if !path.IsAbs(cfg.Remote.TempDir) {
		return nil, fmt.Errorf("remote.temp_dir must be an absolute path")
	}

	cfg.Verify = models.VerifySettings{Marker: p.v.GetString("verify.marker")}
	if cfg.Verify.Marker == "" {
		return nil, fmt.Errorf("verify.marker must not be empty")
	}

	// Hosts (required).
	if len(hosts) == 0 {
		return nil, fmt.Errorf("hosts is required")
	}
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		host, err := p.parseHost(h, cfg.SSH.Port)
		if err != nil {
			return nil, err
		}
		if seen[host.Name] {
			return nil, fmt.Errorf("hosts.%s is defined more than once", host.Name)
		}
		seen[host.Name] = true
		cfg.Hosts = append(cfg.Hosts, host)
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional metrics config.
	if p.v.IsSet("metrics") {
		textfile := p.expandEnv(p.v.GetString("metrics.textfile"))
		if textfile == "" {
			return nil, fmt.Errorf("metrics.textfile is required when metrics is configured")
		}
		cfg.Metrics = &models.MetricsConfig{Textfile: textfile}
	}

	return cfg, nil
}

func (p *Parser) parseHost(h namedHost, defaultPort int) (models.HostConfig, error) {
	if strings.TrimSpace(h.name) == "" {
		return models.HostConfig{}, fmt.Errorf("host names must not be empty")
	}

	host := models.HostConfig{
		Name:         h.name,
		FQDN:         h.FQDN,
		SSHUser:      h.SSHUser,
		Port:         h.Port,
		NeedsSudo:    h.NeedsSudo,
		ScriptPath:   h.ScriptPath,
		Modules:      h.Modules,
		DummyModules: h.DummyModules,
	}

	if host.FQDN == "" {
		return host, fmt.Errorf("hosts.%s.fqdn is required", h.name)
	}
	if host.SSHUser == "" {
		return host, fmt.Errorf("hosts.%s.ssh_user is required", h.name)
	}
	if host.ScriptPath == "" {
		return host, fmt.Errorf("hosts.%s.script_path is required", h.name)
	}
	if !path.IsAbs(host.ScriptPath) {
		return host, fmt.Errorf("hosts.%s.script_path must be an absolute path", h.name)
	}
	if host.Port == 0 {
		host.Port = defaultPort
	}
	for _, m := range append(append([]string{}, host.Modules...), host.DummyModules...) {
		if m == "" || strings.ContainsAny(m, "/ ") {
			return host, fmt.Errorf("hosts.%s: invalid module name %q", h.name, m)
		}
	}

	if h.WOL != nil { //nolint:nestif // config parsing with defaults
		wol := &models.WOLConfig{
			MACAddress:  h.WOL.MACAddress,
			BroadcastIP: h.WOL.BroadcastIP,
		}
		if wol.MACAddress == "" {
			return host, fmt.Errorf("hosts.%s.wol.mac_address is required when wol is configured", h.name)
		}

		var err error
		if wol.Timeout, err = parseDuration(h.WOL.Timeout, 5*time.Minute); err != nil {
			return host, fmt.Errorf("hosts.%s.wol.timeout: %w", h.name, err)
		}
		if wol.PollInterval, err = parseDuration(h.WOL.PollInterval, 10*time.Second); err != nil {
			return host, fmt.Errorf("hosts.%s.wol.poll_interval: %w", h.name, err)
		}
		if wol.StabilizeWait, err = parseDuration(h.WOL.StabilizeWait, 10*time.Second); err != nil {
			return host, fmt.Errorf("hosts.%s.wol.stabilize_wait: %w", h.name, err)
		}

		// Set defaults.
		if wol.BroadcastIP == "" {
			wol.BroadcastIP = "255.255.255.255"
		}
		host.WOL = wol
	}

	return host, nil
}

// parseDuration parses a Go duration string. A bare number counts as seconds.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// connectTimeout reads ssh.connect_timeout. ssh only takes whole seconds,
// so anything under one second is rejected.
func (p *Parser) connectTimeout() (time.Duration, error) {
	raw := p.v.Get("ssh.connect_timeout")
	if raw == nil {
		return DefaultConnectTimeout, nil
	}

	d, err := parseDuration(fmt.Sprint(raw), DefaultConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("ssh.connect_timeout: %w", err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("ssh.connect_timeout must be at least 1s, got %s", d)
	}
	return d, nil
}

// resolve expands env vars and anchors relative paths at the config directory.
func (p *Parser) resolve(s string) string {
	s = p.expandEnv(s)
	if s == "" || filepath.IsAbs(s) || p.baseDir == "" {
		return s
	}
	return filepath.Join(p.baseDir, s)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandHome replaces a leading ~ with the current user's home directory.
func expandHome(s string) (string, error) {
	if s != "~" && !strings.HasPrefix(s, "~/") {
		return s, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", s, err)
	}
	return filepath.Join(home, strings.TrimPrefix(s, "~")), nil
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.DeployConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.SSHKey == "" {
		return fmt.Errorf("ssh_key is required")
	}

	if len(cfg.Hosts) == 0 {
		return fmt.Errorf("hosts is required")
	}

	for _, h := range cfg.Hosts {
		if h.FQDN == "" || h.SSHUser == "" || h.ScriptPath == "" {
			return fmt.Errorf("host %s is incomplete", h.Name)
		}
	}

	return nil
}
