package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func instancePath(instanceID, suffix string) string {
	return attestationAPIBase + "/instances/" + url.PathEscape(instanceID) + suffix
}

func withLimit(path string, limit int) string {
	if limit > 0 {
		return path + "?limit=" + strconv.Itoa(limit)
	}
	return path
}

// readDocument loads a JSON or YAML file into a generic value.
func readDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func newAttestationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attestations",
		Aliases: []string{"att"},
		Short:   "Submit and inspect runtime VM attestations",
	}

	var evidenceFile, nonce string
	submitCmd := &cobra.Command{
		Use:   "submit <instance-id>",
		Short: "Submit attestation evidence for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evidence, err := readDocument(evidenceFile)
			if err != nil {
				return fmt.Errorf("failed to read evidence: %w", err)
			}
			body := map[string]any{"evidence": evidence}
			if nonce != "" {
				body["nonce"] = nonce
			}
			result, err := newClient().postJSON(instancePath(args[0], "/attestations"), body)
			if err != nil {
				return fmt.Errorf("failed to submit attestation: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			printTable([]string{"Attestation", "Kind", "Status", "Transition", "Remediation", "Run", "Notes"}, [][]string{{
				extractValue(result, "attestation.id"),
				extractValue(result, "attestation.kind"),
				extractValue(result, "outcome.status"),
				extractValue(result, "transition.outcome"),
				extractValue(result, "remediation.state"),
				extractValue(result, "remediation.runId"),
				extractValue(result, "outcome.notes"),
			}})
			return nil
		},
	}
	submitCmd.Flags().StringVarP(&evidenceFile, "evidence-file", "f", "", "JSON or YAML evidence document")
	submitCmd.Flags().StringVar(&nonce, "nonce", "", "Expected evidence nonce")
	_ = submitCmd.MarkFlagRequired("evidence-file")

	var limit int
	listCmd := &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List an instance's attestations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(withLimit(instancePath(args[0], "/attestations"), limit))
			if err != nil {
				return fmt.Errorf("failed to list attestations: %w", err)
			}
			return printList(result, "attestations", []column{
				{Header: "ID", Path: "id"},
				{Header: "Kind", Path: "kind"},
				{Header: "Status", Path: "status"},
				{Header: "Measurement", Path: "measurement", Width: 24},
				{Header: "Verified", Path: "verifiedAt"},
				{Header: "Notes", Path: "verificationNotes", Width: 40},
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of attestations")

	getCmd := &cobra.Command{
		Use:   "get <attestation-id>",
		Short: "Get an attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(attestationAPIBase + "/attestations/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get attestation: %w", err)
			}
			return printObject(result)
		},
	}

	cmd.AddCommand(submitCmd, listCmd, getCmd)
	return cmd
}

func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and record instance trust state",
	}

	statusCmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance's current trust status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(instancePath(args[0], "/trust"))
			if err != nil {
				return fmt.Errorf("failed to get trust status: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			printTable([]string{"Instance", "Status", "Version", "Reason", "Remediation", "Since"}, [][]string{{
				extractValue(result, "instanceId"),
				extractValue(result, "status"),
				extractValue(result, "version"),
				extractValue(result, "latest.reason"),
				extractValue(result, "latest.remediationState"),
				extractValue(result, "latest.triggeredAt"),
			}})
			return nil
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <instance-id>",
		Short: "List an instance's trust transitions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(withLimit(instancePath(args[0], "/trust/history"), limit))
			if err != nil {
				return fmt.Errorf("failed to read trust history: %w", err)
			}
			return printList(result, "events", []column{
				{Header: "ID", Path: "id"},
				{Header: "Previous", Path: "previousStatus"},
				{Header: "Current", Path: "currentStatus"},
				{Header: "Reason", Path: "reason", Width: 40},
				{Header: "Remediation", Path: "remediationState"},
				{Header: "Triggered", Path: "triggeredAt"},
			})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")

	var previous, reason, remediationState string
	transitionCmd := &cobra.Command{
		Use:   "transition <instance-id> <status>",
		Short: "Record a manual trust transition",
		Long: `Record a manual trust transition. With --previous the write only succeeds
when the instance is still in that status.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"currentStatus": args[1]}
			if previous != "" {
				body["previousStatus"] = previous
			}
			if reason != "" {
				body["reason"] = reason
			}
			if remediationState != "" {
				body["remediationState"] = remediationState
			}
			result, err := newClient().postJSON(instancePath(args[0], "/trust/transitions"), body)
			if err != nil {
				return fmt.Errorf("failed to record transition: %w", err)
			}
			return printObject(result)
		},
	}
	transitionCmd.Flags().StringVar(&previous, "previous", "", "Expected current status")
	transitionCmd.Flags().StringVar(&reason, "reason", "", "Transition reason")
	transitionCmd.Flags().StringVar(&remediationState, "remediation-state", "", "Remediation state to record")

	summaryCmd := &cobra.Command{
		Use:   "summary <instance-id>...",
		Short: "Summarize latest attestation and accelerator posture for instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := attestationAPIBase + "/instances:summary?ids=" + url.QueryEscape(strings.Join(args, ","))
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to summarize instances: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			rows := [][]string{}
			for _, item := range toMapSlice(result["instances"]) {
				rows = append(rows, []string{
					extractValue(item, "instanceId"),
					extractValue(item, "attestation.status"),
					extractValue(item, "attestation.verifiedAt"),
					strconv.Itoa(len(toMapSlice(item["accelerators"]))),
				})
			}
			printTable([]string{"Instance", "Attestation", "Verified", "Accelerators"}, rows)
			return nil
		},
	}

	cmd.AddCommand(statusCmd, historyCmd, transitionCmd, summaryCmd)
	return cmd
}

func newPostureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posture",
		Short: "Manage accelerator posture",
	}

	postureColumns := []column{
		{Header: "Accelerator", Path: "acceleratorId"},
		{Header: "Type", Path: "acceleratorType"},
		{Header: "Posture", Path: "posture"},
		{Header: "Feedback", Path: "policyFeedback", Width: 40},
		{Header: "Collected", Path: "collectedAt"},
	}

	getCmd := &cobra.Command{
		Use:   "get <instance-id>",
		Short: "List an instance's accelerator posture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(instancePath(args[0], "/posture"))
			if err != nil {
				return fmt.Errorf("failed to get posture: %w", err)
			}
			return printList(result, "accelerators", postureColumns)
		},
	}

	var file string
	setCmd := &cobra.Command{
		Use:   "set <instance-id>",
		Short: "Replace an instance's accelerator posture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return fmt.Errorf("failed to read posture: %w", err)
			}
			body := doc
			if list, ok := doc.([]any); ok {
				body = map[string]any{"accelerators": list}
			}
			result, err := newClient().putJSON(instancePath(args[0], "/posture"), body)
			if err != nil {
				return fmt.Errorf("failed to set posture: %w", err)
			}
			return printList(result, "accelerators", postureColumns)
		},
	}
	setCmd.Flags().StringVarP(&file, "file", "f", "", "JSON or YAML posture document (a list or {accelerators: [...]})")
	_ = setCmd.MarkFlagRequired("file")

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
