package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var runColumns = []column{
	{Header: "ID", Path: "id"},
	{Header: "Instance", Path: "instanceId"},
	{Header: "Playbook", Path: "playbookKey"},
	{Header: "Status", Path: "status"},
	{Header: "Approval", Path: "approvalState"},
	{Header: "Job", Path: "jobId"},
	{Header: "Started", Path: "startedAt"},
}

func newPlaybooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbooks",
		Short: "Manage remediation playbooks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(remediationAPIBase + "/playbooks")
			if err != nil {
				return fmt.Errorf("failed to list playbooks: %w", err)
			}
			return printList(result, "playbooks", []column{
				{Header: "ID", Path: "id"},
				{Header: "Key", Path: "playbookKey"},
				{Header: "Executor", Path: "executorType"},
				{Header: "Approval", Path: "approvalRequired"},
				{Header: "SLA Seconds", Path: "slaDurationSeconds"},
				{Header: "Version", Path: "version"},
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <playbook-id>",
		Short: "Get a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(remediationAPIBase + "/playbooks/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get playbook: %w", err)
			}
			return printObject(result)
		},
	}

	var file string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a playbook from a JSON or YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return fmt.Errorf("failed to read playbook: %w", err)
			}
			result, err := newClient().postJSON(remediationAPIBase+"/playbooks", doc)
			if err != nil {
				return fmt.Errorf("failed to create playbook: %w", err)
			}
			return printObject(result)
		},
	}
	createCmd.Flags().StringVarP(&file, "file", "f", "", "Playbook document")
	_ = createCmd.MarkFlagRequired("file")

	var version int64
	deleteCmd := &cobra.Command{
		Use:   "delete <playbook-id>",
		Short: "Delete a playbook at the given version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := remediationAPIBase + "/playbooks/" + url.PathEscape(args[0]) +
				"?version=" + strconv.FormatInt(version, 10)
			if err := newClient().delete(path); err != nil {
				return fmt.Errorf("failed to delete playbook: %w", err)
			}
			fmt.Fprintf(stdout, "Playbook %s deleted\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().Int64Var(&version, "version", 0, "Expected playbook version")
	_ = deleteCmd.MarkFlagRequired("version")

	cmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd)
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage remediation runs",
	}
	runPath := func(id, suffix string) string {
		return remediationAPIBase + "/remediation-runs/" + url.PathEscape(id) + suffix
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List an instance's remediation runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := remediationAPIBase + "/instances/" + url.PathEscape(args[0]) + "/remediation-runs"
			result, err := newClient().getRaw(withLimit(path, limit))
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			return printList(result, "runs", runColumns)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")

	var playbookKey string
	var requireApproval bool
	startCmd := &cobra.Command{
		Use:   "start <instance-id>",
		Short: "Start a remediation run unless one is already running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := remediationAPIBase + "/instances/" + url.PathEscape(args[0]) + "/remediation-runs"
			result, err := newClient().postJSON(path, map[string]any{
				"playbookKey":     playbookKey,
				"requireApproval": requireApproval,
			})
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			run, _ := result["run"].(map[string]any)
			if extractValue(result, "started") != "true" {
				fmt.Fprintf(stdout, "Run %s already in progress\n", extractValue(run, "id"))
			}
			return printObject(run)
		},
	}
	startCmd.Flags().StringVar(&playbookKey, "playbook", "", "Playbook key")
	startCmd.Flags().BoolVar(&requireApproval, "require-approval", false, "Hold the run for approval")
	_ = startCmd.MarkFlagRequired("playbook")

	getCmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Get a remediation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(runPath(args[0], ""))
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			return printObject(result)
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve a run awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(runPath(args[0], ":approve"), nil)
			if err != nil {
				return fmt.Errorf("failed to approve run: %w", err)
			}
			return printObject(result)
		},
	}

	var reason string
	rejectCmd := &cobra.Command{
		Use:   "reject <run-id>",
		Short: "Reject a run awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(runPath(args[0], ":reject"), map[string]any{"reason": reason})
			if err != nil {
				return fmt.Errorf("failed to reject run: %w", err)
			}
			return printObject(result)
		},
	}
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")

	artifactsCmd := &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List a run's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(runPath(args[0], "/artifacts"))
			if err != nil {
				return fmt.Errorf("failed to list artifacts: %w", err)
			}
			return printList(result, "artifacts", []column{
				{Header: "ID", Path: "id"},
				{Header: "Type", Path: "artifactType"},
				{Header: "URI", Path: "uri", Width: 60},
				{Header: "Recorded", Path: "recordedAt"},
			})
		},
	}

	cmd.AddCommand(listCmd, startCmd, getCmd, approveCmd, rejectCmd, artifactsCmd)
	return cmd
}
