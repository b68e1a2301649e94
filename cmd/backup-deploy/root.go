package main

import (
	"github.com/l8labs/backup-deploy/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Deployment flags.
	dryRun      bool
	scriptOnly  bool
	modulesOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "backup-deploy [HOST]",
	Short: "Deploy the backup script and modules to homelab hosts",
	Long: `backup-deploy pushes the backup orchestrator script and its module
scripts to every configured Linux host over SSH:
  - Backs up the live script with a timestamp before replacing it
  - Uploads directly, or via a temp file and sudo for unprivileged users
  - Verifies the deployed script contains the expected marker
  - Syncs real and placeholder modules, reporting undeclared ones

Hosts are processed one at a time. Omit HOST to deploy to all hosts.
The local backup script must exist unless --modules-only is given.`,
	Example: `  backup-deploy                          Deploy script + modules to all hosts
  backup-deploy podman-srv1              Deploy to podman-srv1 only
  backup-deploy --modules-only           Deploy only modules to all hosts
  backup-deploy --script-only bas1       Deploy only the script to bas1
  backup-deploy --dry-run                Show what would be done`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE:    runDeploy,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show commands that would run without making changes")
	rootCmd.Flags().BoolVar(&scriptOnly, "script-only", false, "deploy only the orchestrator script, skip modules")
	rootCmd.Flags().BoolVar(&modulesOnly, "modules-only", false, "deploy only modules, skip the orchestrator script (the local script is not required)")
	rootCmd.MarkFlagsMutuallyExclusive("script-only", "modules-only")

	rootCmd.AddCommand(validateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
