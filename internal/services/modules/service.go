// Package modules reconciles a host's remote backup module directory with
// its configured module list.
package modules

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/remote"
	"github.com/l8labs/backup-deploy/internal/services/uploader"
	"github.com/rs/zerolog"
)

// Extension is the file extension of module scripts.
const Extension = ".sh"

// Service defines the interface for module synchronization.
type Service interface {
	SyncModules(ctx context.Context, host models.HostConfig) error
}

// Settings holds the local and remote module locations.
type Settings struct {
	SourceDir   string // one <name>.sh per real module
	DummySource string // shared placeholder for dummy modules
	RemoteDir   string
	Owner       string
	Mode        string
}

// SyncError lists the modules that could not be deployed.
type SyncError struct {
	Host   string
	Failed []string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed modules on %s: %s", e.Host, strings.Join(e.Failed, ", "))
}

// Plan is the reconciliation of configured against deployed modules.
type Plan struct {
	Real     []string // sorted
	Dummy    []string // sorted
	Expected []string // sorted union of Real and Dummy
	Extra    []string // sorted, deployed but not configured
}

// NewPlan computes the plan for host given the module names currently
// deployed on it.
func NewPlan(host models.HostConfig, deployed []string) Plan {
	p := Plan{
		Real:  sortedCopy(host.Modules),
		Dummy: sortedCopy(host.DummyModules),
	}

	expected := make(map[string]bool, len(p.Real)+len(p.Dummy))
	for _, m := range p.Real {
		expected[m] = true
	}
	for _, m := range p.Dummy {
		expected[m] = true
	}
	for m := range expected {
		p.Expected = append(p.Expected, m)
	}
	sort.Strings(p.Expected)

	seen := make(map[string]bool, len(deployed))
	for _, m := range deployed {
		if !expected[m] && !seen[m] {
			p.Extra = append(p.Extra, m)
		}
		seen[m] = true
	}
	sort.Strings(p.Extra)

	return p
}

// ParseListing extracts module names from a directory listing.
func ParseListing(listing string) []string {
	var names []string
	for _, f := range strings.Fields(listing) {
		if strings.HasSuffix(f, Extension) {
			names = append(names, strings.TrimSuffix(f, Extension))
		}
	}
	return names
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Impl implements the modules Service interface.
type Impl struct {
	remote   remote.Service
	uploader uploader.Service
	settings Settings
	logger   zerolog.Logger
}

// New creates a new module synchronizer.
func New(logger zerolog.Logger, remoteSvc remote.Service, uploaderSvc uploader.Service, settings Settings) *Impl {
	return &Impl{
		remote:   remoteSvc,
		uploader: uploaderSvc,
		settings: settings,
		logger:   logger,
	}
}

// RemotePath returns the remote path of module name.
func (s *Impl) RemotePath(name string) string {
	return path.Join(s.settings.RemoteDir, name+Extension)
}

// SyncModules uploads every configured module to the host. Modules found
// on the host but not configured are reported and left in place. The sync
// is not atomic: modules uploaded before a failure stay deployed.
func (s *Impl) SyncModules(ctx context.Context, host models.HostConfig) error {
	if !host.HasModules() {
		s.logger.Info().Str("host", host.Name).Msg("no modules configured, skipping")
		return nil
	}

	// Ensure remote modules directory exists
	mkdir := remote.Sudo(host, "mkdir -p "+remote.Quote(s.settings.RemoteDir))
	if result, err := s.remote.RunRemote(ctx, host, mkdir); err != nil || !result.OK() {
		s.logger.Warn().Str("host", host.Name).Str("dir", s.settings.RemoteDir).Msg("could not create modules directory")
	}

	plan := NewPlan(host, s.deployed(ctx, host))
	if len(plan.Extra) > 0 {
		s.logger.Info().
			Str("host", host.Name).
			Strs("extra", plan.Extra).
			Msgf("NOTE: extra modules on %s not in config: %s (leaving them in place)",
				host.Name, strings.Join(plan.Extra, ", "))
	}

	var failed []string

	// Upload real modules
	for _, name := range plan.Real {
		local := filepath.Join(s.settings.SourceDir, name+Extension)
		s.logger.Info().Str("host", host.Name).Str("module", name+Extension).Msg("deploying module")
		if err := s.deploy(ctx, host, local, name); err != nil {
			s.logger.Error().Err(err).Str("host", host.Name).Str("module", name).Msg("module failed")
			failed = append(failed, name)
		}
	}

	// Upload dummy modules, all from the shared placeholder
	for _, name := range plan.Dummy {
		s.logger.Info().Str("host", host.Name).Str("module", name+Extension).Msg("deploying module (dummy)")
		if err := s.deploy(ctx, host, s.settings.DummySource, name); err != nil {
			s.logger.Error().Err(err).Str("host", host.Name).Str("module", name).Msg("module failed")
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return &SyncError{Host: host.Name, Failed: failed}
	}

	s.logger.Info().
		Str("host", host.Name).
		Msgf("all %d modules deployed (%d real, %d dummy)",
			len(plan.Real)+len(plan.Dummy), len(plan.Real), len(plan.Dummy))
	return nil
}

// deployed lists module names currently on the host. The listing is not
// taken in preview mode.
func (s *Impl) deployed(ctx context.Context, host models.HostConfig) []string {
	if s.remote.DryRun() {
		return nil
	}

	ls := remote.Sudo(host, "ls "+remote.Quote(s.settings.RemoteDir+"/"))
	result, err := s.remote.RunRemote(ctx, host, ls)
	if err != nil || !result.OK() {
		s.logger.Debug().Str("host", host.Name).Msg("could not list deployed modules")
		return nil
	}
	return ParseListing(result.Stdout)
}

func (s *Impl) deploy(ctx context.Context, host models.HostConfig, local, name string) error {
	target := s.RemotePath(name)
	if err := s.uploader.Upload(ctx, host, local, target); err != nil {
		return err
	}

	secure := remote.SecureCommand(host, target, s.settings.Owner, s.settings.Mode)
	if result, err := s.remote.RunRemote(ctx, host, secure); err != nil || !result.OK() {
		s.logger.Warn().Str("host", host.Name).Str("path", target).Msg("could not set ownership and permissions")
	}
	return nil
}
