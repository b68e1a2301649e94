// Package coordinator runs the per-host deployment state machine:
// connectivity check, then the script and module stages selected by scope.
package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/modules"
	"github.com/l8labs/backup-deploy/internal/services/remote"
	"github.com/l8labs/backup-deploy/internal/services/script"
	"github.com/l8labs/backup-deploy/internal/services/wol"
	"github.com/rs/zerolog"
)

// Connectivity probe.
const (
	ProbeCommand = "echo ok"
	ProbeReply   = "ok"
)

// Failed step names reported in HostOutcome.FailedStep.
const (
	StepConnectivity = "connectivity"
	StepScript       = "script"
	StepModules      = "modules"
)

// Service defines the interface for deploying to one host.
type Service interface {
	DeployHost(ctx context.Context, host models.HostConfig, scope models.Scope) models.HostOutcome
}

// Impl implements the coordinator Service interface.
type Impl struct {
	remote  remote.Service
	wol     wol.Service
	script  script.Service
	modules modules.Service
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a new coordinator.
func New(
	logger zerolog.Logger,
	remoteSvc remote.Service,
	wolSvc wol.Service,
	scriptSvc script.Service,
	modulesSvc modules.Service,
) *Impl {
	return &Impl{
		remote:  remoteSvc,
		wol:     wolSvc,
		script:  scriptSvc,
		modules: modulesSvc,
		now:     time.Now,
		logger:  logger,
	}
}

// DeployHost deploys the stages selected by scope to host. Errors never
// escape: they are recorded in the returned outcome.
func (s *Impl) DeployHost(ctx context.Context, host models.HostConfig, scope models.Scope) models.HostOutcome {
	start := s.now()
	outcome := models.HostOutcome{Host: host.Name}
	log := s.logger.With().Str("host", host.Name).Logger()

	log.Info().
		Str("fqdn", host.FQDN).
		Str("script", host.ScriptPath).
		Strs("modules", host.Modules).
		Strs("dummy_modules", host.DummyModules).
		Str("ssh_user", host.SSHUser).
		Bool("sudo", host.NeedsSudo).
		Str("scope", string(scope)).
		Msgf("=== Deploying to %s ===", host.Name)

	s.wake(ctx, host)

	if !s.reachable(ctx, host) {
		log.Error().Str("fqdn", host.FQDN).Msg("cannot connect, skipping host")
		outcome.Status = models.StatusFailed
		outcome.FailedStep = StepConnectivity
		outcome.Duration = s.now().Sub(start)
		return outcome
	}
	outcome.Reachable = true

	if scope.IncludesScript() {
		outcome.ScriptRan = true
		outcome.ScriptErr = s.script.DeployScript(ctx, host)
		if outcome.ScriptErr != nil {
			log.Error().Err(outcome.ScriptErr).Msg("script deployment failed")
			outcome.FailedStep = StepScript
		}
	}

	if scope.IncludesModules() {
		outcome.ModulesRan = true
		outcome.ModulesErr = s.modules.SyncModules(ctx, host)
		if outcome.ModulesErr != nil {
			log.Error().Err(outcome.ModulesErr).Msg("module deployment failed")
			if outcome.FailedStep == "" {
				outcome.FailedStep = StepModules
			}
		}
	}

	outcome.Status = Status(outcome)
	outcome.Duration = s.now().Sub(start)

	log.Info().
		Str("status", string(outcome.Status)).
		Dur("duration", outcome.Duration).
		Msgf("%s: %s", host.Name, outcome.Status)

	return outcome
}

// Status computes the verdict for a reachable host. PARTIAL requires both
// stages to have run with exactly one succeeding; a single failed stage
// is FAILED.
func Status(o models.HostOutcome) models.HostStatus {
	if !o.Reachable {
		return models.StatusFailed
	}

	var ran, ok int
	if o.ScriptRan {
		ran++
		if o.ScriptErr == nil {
			ok++
		}
	}
	if o.ModulesRan {
		ran++
		if o.ModulesErr == nil {
			ok++
		}
	}

	switch {
	case ok == ran:
		return models.StatusSuccess
	case ran == 2 && ok == 1:
		return models.StatusPartial
	default:
		return models.StatusFailed
	}
}

func (s *Impl) reachable(ctx context.Context, host models.HostConfig) bool {
	s.logger.Info().Str("host", host.Name).Msg("checking connectivity")

	result, err := s.remote.RunRemote(ctx, host, ProbeCommand)
	if err != nil || !result.OK() {
		return false
	}
	if result.Skipped {
		return true
	}
	return strings.Contains(result.Stdout, ProbeReply)
}

// wake sends a Wake-on-LAN packet to hosts that have one configured. The
// connectivity check decides the host's fate, so failures are only logged.
func (s *Impl) wake(ctx context.Context, host models.HostConfig) {
	if host.WOL == nil || s.wol == nil {
		return
	}
	if s.remote.DryRun() {
		s.logger.Info().Str("host", host.Name).Str("mac", host.WOL.MACAddress).Msg("[dry-run] would send Wake-on-LAN packet")
		return
	}

	result, err := s.wol.Wake(ctx, *host.WOL, host.Address())
	if err != nil {
		s.logger.Warn().Err(err).Str("host", host.Name).Msg("Wake-on-LAN failed")
		return
	}
	if result.Error != nil {
		s.logger.Warn().Err(result.Error).Str("host", host.Name).Msg("Wake-on-LAN failed")
		return
	}

	s.logger.Info().
		Str("host", host.Name).
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")
}
