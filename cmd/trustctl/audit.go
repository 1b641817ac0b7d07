package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the provider key audit ledger",
	}

	var (
		provider string
		keyID    string
		state    string
		since    string
		until    string
		limit    int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a provider's audit events, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if keyID != "" {
				q.Set("keyId", keyID)
			}
			if state != "" {
				q.Set("state", state)
			}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := auditAPIBase + "/providers/" + url.PathEscape(provider) + "/audit-events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			return printList(result, "events", []column{
				{Header: "ID", Path: "id"},
				{Header: "Type", Path: "eventType"},
				{Header: "Key", Path: "keyId"},
				{Header: "State", Path: "state"},
				{Header: "Occurred", Path: "occurredAt"},
			})
		},
	}
	listCmd.Flags().StringVarP(&provider, "provider", "p", "", "Provider ID")
	listCmd.Flags().StringVar(&keyID, "key", "", "Filter by key ID")
	listCmd.Flags().StringVar(&state, "state", "", "Filter by payload state")
	listCmd.Flags().StringVar(&since, "since", "", "Only events at or after this time (RFC3339)")
	listCmd.Flags().StringVar(&until, "until", "", "Only events before this time (RFC3339)")
	listCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")
	_ = listCmd.MarkFlagRequired("provider")

	getCmd := &cobra.Command{
		Use:   "get <event-id>",
		Short: "Get an audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(auditAPIBase + "/audit-events/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get audit event: %w", err)
			}
			return printObject(result)
		},
	}

	cmd.AddCommand(listCmd, getCmd)
	return cmd
}
