// Package fleet drives a deployment run across the targeted hosts.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/l8labs/backup-deploy/internal/metrics"
	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/coordinator"
	"github.com/l8labs/backup-deploy/internal/services/telegram"
	"github.com/rs/zerolog"
)

// Errors returned by Run.
var (
	ErrUnknownHost    = errors.New("unknown host")
	ErrSourceNotFound = errors.New("source script not found")
	ErrHostsFailed    = errors.New("deployment failed")
)

// Service defines the interface for the fleet driver.
type Service interface {
	Run(ctx context.Context, cfg *models.DeployConfig, req Request) (models.FleetReport, error)
}

// Request selects what a run deploys.
type Request struct {
	Host       string // empty targets every configured host
	Scope      models.Scope
	DryRun     bool
	ConfigFile string // shown in the run header
}

// Impl implements the fleet Service interface.
type Impl struct {
	coordinator coordinator.Service
	telegram    telegram.Service
	out         io.Writer
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates a new fleet driver writing its header and summary to out.
func New(logger zerolog.Logger, out io.Writer, coord coordinator.Service, telegramSvc telegram.Service) *Impl {
	return NewWithClock(logger, out, coord, telegramSvc, time.Now)
}

// NewWithClock creates a new fleet driver with a custom clock (for testing).
func NewWithClock(
	logger zerolog.Logger,
	out io.Writer,
	coord coordinator.Service,
	telegramSvc telegram.Service,
	now func() time.Time,
) *Impl {
	return &Impl{
		coordinator: coord,
		telegram:    telegramSvc,
		out:         out,
		now:         now,
		logger:      logger,
	}
}

// ResolveTargets returns the named host, or every host in configuration
// order when name is empty.
func ResolveTargets(cfg *models.DeployConfig, name string) ([]models.HostConfig, error) {
	if name == "" {
		return cfg.Hosts, nil
	}
	host, ok := cfg.Host(name)
	if !ok {
		return nil, fmt.Errorf("%w %q (choices: %s)", ErrUnknownHost, name, strings.Join(cfg.HostNames(), ", "))
	}
	return []models.HostConfig{host}, nil
}

// CheckSources verifies the local payloads the scope needs.
func CheckSources(cfg *models.DeployConfig, scope models.Scope) error {
	if !scope.IncludesScript() {
		return nil
	}
	if _, err := os.Stat(cfg.Source.Script); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, cfg.Source.Script)
	}
	return nil
}

// Run deploys to every target sequentially. It fails before contacting
// any host if the target or a source payload is invalid, and returns
// ErrHostsFailed if any host did not succeed.
func (d *Impl) Run(ctx context.Context, cfg *models.DeployConfig, req Request) (models.FleetReport, error) {
	report := models.FleetReport{Scope: req.Scope, DryRun: req.DryRun}

	targets, err := ResolveTargets(cfg, req.Host)
	if err != nil {
		return report, err
	}
	if err := CheckSources(cfg, req.Scope); err != nil {
		return report, err
	}

	d.printHeader(cfg, req, targets)

	report.StartTime = d.now()
	for _, host := range targets {
		report.Outcomes = append(report.Outcomes, d.coordinator.DeployHost(ctx, host, req.Scope))
	}
	report.Duration = d.now().Sub(report.StartTime)

	d.printSummary(report)

	if !req.DryRun {
		d.writeMetrics(cfg, report)
		d.notify(ctx, cfg, report)
	}

	if failed := report.Failed(); len(failed) > 0 {
		return report, fmt.Errorf("%w on %d of %d hosts: %s",
			ErrHostsFailed, len(failed), len(report.Outcomes), strings.Join(failed, ", "))
	}
	return report, nil
}

func (d *Impl) printHeader(cfg *models.DeployConfig, req Request, targets []models.HostConfig) {
	names := make([]string, 0, len(targets))
	for _, h := range targets {
		names = append(names, h.Name)
	}

	if req.ConfigFile != "" {
		fmt.Fprintf(d.out, "Config:  %s\n", req.ConfigFile)
	}
	fmt.Fprintf(d.out, "Source:  %s\n", cfg.Source.Script)
	fmt.Fprintf(d.out, "Modules: %s\n", cfg.Source.ModulesDir)
	fmt.Fprintf(d.out, "Targets: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(d.out, "Scope:   %s\n", req.Scope)
	if req.DryRun {
		fmt.Fprintln(d.out, "Mode:    DRY RUN (no changes will be made)")
	}
}

func (d *Impl) printSummary(report models.FleetReport) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(d.out, "\n%s\nDeployment Summary\n%s\n", rule, rule)
	for _, o := range report.Outcomes {
		status := "OK"
		if !o.Success() {
			status = "FAILED"
		}
		fmt.Fprintf(d.out, "  %-20s %s\n", o.Host, status)
	}
}

func (d *Impl) writeMetrics(cfg *models.DeployConfig, report models.FleetReport) {
	if cfg.Metrics == nil || cfg.Metrics.Textfile == "" {
		return
	}

	recorder := metrics.NewRecorder()
	recorder.Record(report, d.now())
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		d.logger.Error().Err(err).Msg("failed to write metrics")
		return
	}
	d.logger.Debug().Str("file", cfg.Metrics.Textfile).Msg("metrics written")
}

func (d *Impl) notify(ctx context.Context, cfg *models.DeployConfig, report models.FleetReport) {
	if cfg.Telegram == nil || d.telegram == nil {
		return
	}

	result, err := d.telegram.SendNotification(ctx, *cfg.Telegram, report)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		d.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	d.logger.Info().Msg("Telegram notification sent")
}
