package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/l8labs/backup-deploy/internal/config"
	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/l8labs/backup-deploy/internal/services/modules"
	"github.com/l8labs/backup-deploy/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file, the local script and module payloads,
and the SSH key without contacting any host.`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	problems := checkPayloads(cfg)
	if _, err := ssh.ParseKeyFile(cfg.SSHKey); err != nil {
		problems = append(problems, err.Error())
	}

	// Print configuration summary
	fmt.Println("Summary:")
	fmt.Printf("  SSH key: %s\n", cfg.SSHKey)
	fmt.Printf("  Transport: %s\n", cfg.SSH.Transport)
	fmt.Printf("  Source: %s\n", cfg.Source.Script)
	fmt.Printf("  Modules: %s\n", cfg.Source.ModulesDir)
	fmt.Printf("  Remote modules: %s\n", cfg.Remote.ModulesDir)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)

	fmt.Println()
	fmt.Println("Hosts:")
	for _, host := range cfg.Hosts {
		plan := modules.NewPlan(host, nil)
		fmt.Printf("  %s (%s@%s)\n", host.Name, host.SSHUser, host.Address())
		fmt.Printf("    Script: %s\n", host.ScriptPath)
		fmt.Printf("    Sudo: %v\n", host.NeedsSudo)
		fmt.Printf("    Modules: %d real, %d dummy\n", len(plan.Real), len(plan.Dummy))
		if len(plan.Expected) > 0 {
			fmt.Printf("      %s\n", strings.Join(plan.Expected, ", "))
		}
		if host.WOL != nil {
			fmt.Printf("    Wake-on-LAN: %s via %s\n", host.WOL.MACAddress, host.WOL.BroadcastIP)
		}
	}

	if len(problems) > 0 {
		fmt.Println()
		fmt.Println("Problems:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return errors.New("configuration has problems")
	}

	fmt.Println()
	fmt.Println("Configuration is valid!")
	return nil
}

// checkPayloads reports local files that a full deployment would need but
// that are missing.
func checkPayloads(cfg *models.DeployConfig) []string {
	var problems []string
	missing := func(path string) bool {
		_, err := os.Stat(path)
		return err != nil
	}

	if missing(cfg.Source.Script) {
		problems = append(problems, "source script not found: "+cfg.Source.Script)
	}

	needDummy := false
	seen := make(map[string]bool)
	for _, host := range cfg.Hosts {
		needDummy = needDummy || len(host.DummyModules) > 0
		for _, name := range host.Modules {
			if seen[name] {
				continue
			}
			seen[name] = true
			if path := filepath.Join(cfg.Source.ModulesDir, name+modules.Extension); missing(path) {
				problems = append(problems, fmt.Sprintf("module %s not found: %s", name, path))
			}
		}
	}
	if needDummy && missing(cfg.Source.DummyModule) {
		problems = append(problems, "dummy module not found: "+cfg.Source.DummyModule)
	}

	return problems
}
