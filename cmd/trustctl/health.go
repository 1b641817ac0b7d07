package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server liveness and readiness",
	RunE:  runHealth,
}

// probe returns the status line of a plain-text health endpoint.
func (c *trustClient) probe(path string) (string, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return msg, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return msg, nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()

	live, err := client.probe("/healthz")
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	ready, err := client.probe("/readyz")
	if err != nil {
		// Not fatal; the database may still be coming up.
		ready = "not ready: " + ready
	}

	if structuredOutput() {
		return printOutput(map[string]string{
			"liveness":  live,
			"readiness": ready,
		})
	}

	printTable([]string{"Check", "Status"}, [][]string{
		{"Liveness", live},
		{"Readiness", ready},
	})
	return nil
}
