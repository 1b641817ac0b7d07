package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// API base paths served by trust-server.
const (
	keysAPIBase        = "/api/keys/v1alpha1"
	auditAPIBase       = "/api/audit/v1alpha1"
	attestationAPIBase = "/api/attestation/v1alpha1"
	remediationAPIBase = "/api/remediation/v1alpha1"
	jobsAPIBase        = "/api/jobs/v1alpha1"
)

var (
	serverURL string
	outputFmt string
	actor     string

	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "CLI for the trust server",
	Long: `trustctl manages provider keys, runtime VM attestations, trust state,
remediation playbooks and runs, and background jobs on a trust server.

The acting identity is sent in the X-Remote-User header (--actor, or the
TRUSTCTL_ACTOR environment variable).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Trust server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Identity sent as X-Remote-User (default: from TRUSTCTL_ACTOR env)")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newRotationsCmd())
	rootCmd.AddCommand(newBindingsCmd())
	rootCmd.AddCommand(newVetoCmd())
	rootCmd.AddCommand(newSLACmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newAttestationsCmd())
	rootCmd.AddCommand(newTrustCmd())
	rootCmd.AddCommand(newPostureCmd())
	rootCmd.AddCommand(newPlaybooksCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newJobsCmd())
}

// resolvedActor returns the effective actor.
// Priority: --actor flag > TRUSTCTL_ACTOR env var > none.
func resolvedActor() string {
	if actor != "" {
		return actor
	}
	return os.Getenv("TRUSTCTL_ACTOR")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
