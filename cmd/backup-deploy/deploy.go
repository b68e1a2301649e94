package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/l8labs/backup-deploy/internal/config"
	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/coordinator"
	"github.com/l8labs/backup-deploy/internal/services/fleet"
	"github.com/l8labs/backup-deploy/internal/services/modules"
	"github.com/l8labs/backup-deploy/internal/services/remote"
	"github.com/l8labs/backup-deploy/internal/services/script"
	"github.com/l8labs/backup-deploy/internal/services/ssh"
	"github.com/l8labs/backup-deploy/internal/services/telegram"
	"github.com/l8labs/backup-deploy/internal/services/uploader"
	"github.com/l8labs/backup-deploy/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runDeploy(cmd *cobra.Command, args []string) error {
	scope, err := models.ParseScope(scriptOnly, modulesOnly)
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.NewParser().LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	req := fleet.Request{Scope: scope, DryRun: dryRun, ConfigFile: configFile}
	if len(args) == 1 {
		req.Host = args[0]
	}
	if _, err := fleet.ResolveTargets(cfg, req.Host); err != nil {
		log.Error().Err(err).Msg("invalid target")
		return err
	}

	cmd.SilenceUsage = true

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	driver := newDriver(log.Logger, cfg, dryRun)
	if _, err := driver.Run(ctx, cfg, req); err != nil {
		log.Error().Err(err).Msg("deployment failed")
		return err
	}

	log.Info().Msg("deployment completed successfully")
	return nil
}

// newTransport selects the remote transport named in the config.
func newTransport(logger zerolog.Logger, cfg *models.DeployConfig) remote.Transport {
	if cfg.SSH.Transport == models.TransportNative {
		return ssh.New(logger, ssh.Options{
			KeyPath:        cfg.SSHKey,
			KnownHostsPath: cfg.SSH.KnownHosts,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
		})
	}
	return remote.NewCLITransport(remote.CLIOptions{
		KeyPath:        cfg.SSHKey,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	})
}

func newDriver(logger zerolog.Logger, cfg *models.DeployConfig, preview bool) *fleet.Impl {
	remoteSvc := remote.New(logger, newTransport(logger, cfg), preview)
	uploaderSvc := uploader.New(logger, remoteSvc, cfg.Remote.TempDir)

	scriptSvc := script.New(logger, remoteSvc, uploaderSvc, script.Settings{
		Source: cfg.Source.Script,
		Owner:  cfg.Remote.Owner,
		Mode:   cfg.Remote.Mode,
		Marker: cfg.Verify.Marker,
	})
	modulesSvc := modules.New(logger, remoteSvc, uploaderSvc, modules.Settings{
		SourceDir:   cfg.Source.ModulesDir,
		DummySource: cfg.Source.DummyModule,
		RemoteDir:   cfg.Remote.ModulesDir,
		Owner:       cfg.Remote.Owner,
		Mode:        cfg.Remote.Mode,
	})

	coord := coordinator.New(logger, remoteSvc, wol.New(logger), scriptSvc, modulesSvc)
	return fleet.New(logger, os.Stdout, coord, telegram.New(logger))
}
