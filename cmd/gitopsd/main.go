// Gitopsd is the repository governance daemon: it watches a repository
// through a host API, detects changes exactly once, enforces commit and
// branch policy, triggers deployments for protected-branch merges, and
// writes governance reports.
//
// Configuration is loaded from an optional YAML file plus GITOPS_*
// environment variables. See internal/config for the full key list.
//
// Usage:
//
//	# Run the daemon
//	gitopsd run --config gitops.yaml
//
//	# One-shot poll cycle (establishes watermarks on first use)
//	gitopsd cycle
//
//	# Write a governance report now
//	gitopsd report
//
//	# Request an automation branch
//	gitopsd branch create config-sync
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitopsd",
	Short: "Repository governance and coordination daemon",
	Long: `gitopsd coordinates repository governance: change detection,
commit and branch policy enforcement, deployment triggering, and
report aggregation. State is kept in a versioned store so concurrent
instances never process the same event twice.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.SetVersionTemplate(versionString())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(validateCmd)
}

func versionString() string {
	return fmt.Sprintf("gitopsd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
}
