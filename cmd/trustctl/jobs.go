package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background jobs",
	}

	var (
		jobType     string
		instanceID  string
		state       string
		requestedBy string
		pageSize    int
		pageToken   string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"type":        jobType,
				"instanceId":  instanceID,
				"state":       state,
				"requestedBy": requestedBy,
				"pageToken":   pageToken,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if pageSize > 0 {
				q.Set("pageSize", strconv.Itoa(pageSize))
			}
			path := jobsAPIBase + "/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			return printList(result, "jobs", []column{
				{Header: "ID", Path: "id"},
				{Header: "Type", Path: "type"},
				{Header: "Instance", Path: "instanceId"},
				{Header: "Run", Path: "runId"},
				{Header: "State", Path: "state"},
				{Header: "Attempts", Path: "attemptCount"},
				{Header: "Requested", Path: "requestedAt"},
			})
		},
	}
	listCmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	listCmd.Flags().StringVar(&instanceID, "instance", "", "Filter by instance ID")
	listCmd.Flags().StringVar(&state, "state", "", "Filter by state")
	listCmd.Flags().StringVar(&requestedBy, "requested-by", "", "Filter by requester")
	listCmd.Flags().IntVar(&pageSize, "page-size", 0, "Page size (server default 20)")
	listCmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")

	getCmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Get a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(jobsAPIBase + "/jobs/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}
			return printObject(result)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(jobsAPIBase+"/jobs/"+url.PathEscape(args[0])+":cancel", nil)
			if err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			return printObject(result)
		},
	}

	cmd.AddCommand(listCmd, getCmd, cancelCmd)
	return cmd
}
