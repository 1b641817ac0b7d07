package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var providerID string

func addProviderFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&providerID, "provider", "p", "", "Provider ID")
	_ = cmd.MarkPersistentFlagRequired("provider")
}

func providerPath(format string, args ...any) string {
	return keysAPIBase + "/providers/" + url.PathEscape(providerID) + fmt.Sprintf(format, args...)
}

var keyColumns = []column{
	{Header: "ID", Path: "id"},
	{Header: "Alias", Path: "alias", Width: 24},
	{Header: "State", Path: "state"},
	{Header: "Rotation Due", Path: "rotationDueAt"},
	{Header: "SLA Breached", Path: "slaBreachedAt"},
	{Header: "Created", Path: "createdAt"},
}

// attestationFlags holds the blob flags shared by register and rotate.
type attestationFlags struct {
	digest        string
	digestFile    string
	signature     string
	signatureFile string
	rotationDue   string
}

func (f *attestationFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.digest, "digest", "", "Attestation digest, base64 encoded")
	cmd.Flags().StringVar(&f.digestFile, "digest-file", "", "File holding the raw attestation digest")
	cmd.Flags().StringVar(&f.signature, "signature", "", "Attestation signature, base64 encoded")
	cmd.Flags().StringVar(&f.signatureFile, "signature-file", "", "File holding the raw attestation signature")
	cmd.Flags().StringVar(&f.rotationDue, "rotation-due", "", "Rotation deadline (RFC3339)")
	cmd.MarkFlagsMutuallyExclusive("digest", "digest-file")
	cmd.MarkFlagsMutuallyExclusive("signature", "signature-file")
}

func (f *attestationFlags) body() (map[string]any, error) {
	body := map[string]any{}
	digest, err := blobValue(f.digest, f.digestFile)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	signature, err := blobValue(f.signature, f.signatureFile)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if digest != "" {
		body["attestationDigest"] = digest
	}
	if signature != "" {
		body["attestationSignature"] = signature
	}
	if f.rotationDue != "" {
		body["rotationDueAt"] = f.rotationDue
	}
	return body, nil
}

// blobValue returns the base64 form of either an inline value or a file.
func blobValue(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider keys",
	}
	addProviderFlag(cmd)

	var states []string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a provider's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, s := range states {
				q.Add("state", s)
			}
			path := providerPath("/keys")
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			return printList(result, "keys", keyColumns)
		},
	}
	listCmd.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")

	getCmd := &cobra.Command{
		Use:   "get <key-id>",
		Short: "Get a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(providerPath("/keys/%s", url.PathEscape(args[0])))
			if err != nil {
				return fmt.Errorf("failed to get key: %w", err)
			}
			return printObject(result)
		},
	}

	var registerFlags attestationFlags
	var alias string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a pending key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := registerFlags.body()
			if err != nil {
				return err
			}
			if alias != "" {
				body["alias"] = alias
			}
			result, err := newClient().postJSON(providerPath("/keys"), body)
			if err != nil {
				return fmt.Errorf("failed to register key: %w", err)
			}
			return printObject(result)
		},
	}
	registerFlags.bind(registerCmd)
	registerCmd.Flags().StringVar(&alias, "alias", "", "Key alias")

	activateCmd := &cobra.Command{
		Use:   "activate <key-id>",
		Short: "Activate a pending key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/keys/%s:activate", url.PathEscape(args[0])), nil)
			if err != nil {
				return fmt.Errorf("failed to activate key: %w", err)
			}
			return printObject(result)
		},
	}

	var rotateFlags attestationFlags
	rotateCmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Request rotation of the active key to a new candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := rotateFlags.body()
			if err != nil {
				return err
			}
			result, err := newClient().postJSON(providerPath("/keys/%s:rotate", url.PathEscape(args[0])), body)
			if err != nil {
				return fmt.Errorf("failed to request rotation: %w", err)
			}
			return printRotationResult(result)
		},
	}
	rotateFlags.bind(rotateCmd)

	var revokeReason string
	var immediate bool
	revokeCmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key; --immediate marks it compromised",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/keys/%s:revoke", url.PathEscape(args[0])), map[string]any{
				"reason":    revokeReason,
				"immediate": immediate,
			})
			if err != nil {
				return fmt.Errorf("failed to revoke key: %w", err)
			}
			return printObject(result)
		},
	}
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Revocation reason")
	revokeCmd.Flags().BoolVar(&immediate, "immediate", false, "Mark the key compromised")

	var retireReason string
	retireCmd := &cobra.Command{
		Use:   "retire <key-id>",
		Short: "Retire a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/keys/%s:retire", url.PathEscape(args[0])), map[string]any{
				"reason": retireReason,
			})
			if err != nil {
				return fmt.Errorf("failed to retire key: %w", err)
			}
			return printObject(result)
		},
	}
	retireCmd.Flags().StringVar(&retireReason, "reason", "", "Retirement reason")

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the policy summary of the provider's live key",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().getRaw(providerPath("/policy-summary"))
			if err != nil {
				return fmt.Errorf("failed to get policy summary: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			printTable([]string{"Provider", "Key", "State", "Vetoed", "Notes"}, [][]string{{
				extractValue(result, "providerId"),
				extractValue(result, "key.id"),
				extractValue(result, "key.state"),
				extractValue(result, "vetoed"),
				extractValue(result, "notes"),
			}})
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, registerCmd, activateCmd, rotateCmd, revokeCmd, retireCmd, policyCmd)
	return cmd
}

func printRotationResult(result map[string]any) error {
	if structuredOutput() {
		return printOutput(result)
	}
	printTable([]string{"Rotation", "State", "Key", "Key State", "Candidate", "Candidate State"}, [][]string{{
		extractValue(result, "rotation.id"),
		extractValue(result, "rotation.state"),
		extractValue(result, "key.id"),
		extractValue(result, "key.state"),
		extractValue(result, "candidate.id"),
		extractValue(result, "candidate.state"),
	}})
	return nil
}

func newRotationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotations",
		Short: "Manage key rotations",
	}
	addProviderFlag(cmd)

	var state string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a provider's rotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := providerPath("/rotations")
			if state != "" {
				path += "?state=" + url.QueryEscape(state)
			}
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to list rotations: %w", err)
			}
			return printList(result, "rotations", []column{
				{Header: "ID", Path: "id"},
				{Header: "Key", Path: "keyId"},
				{Header: "Candidate", Path: "candidateKeyId"},
				{Header: "State", Path: "state"},
				{Header: "Requested By", Path: "requestedBy"},
				{Header: "Requested", Path: "requestedAt"},
			})
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "Filter by state")

	approveCmd := &cobra.Command{
		Use:   "approve <rotation-id>",
		Short: "Approve a pending rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/rotations/%s:approve", url.PathEscape(args[0])), nil)
			if err != nil {
				return fmt.Errorf("failed to approve rotation: %w", err)
			}
			return printRotationResult(result)
		},
	}

	var reason string
	failCmd := &cobra.Command{
		Use:   "fail <rotation-id>",
		Short: "Fail a pending rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/rotations/%s:fail", url.PathEscape(args[0])), map[string]any{
				"reason": reason,
			})
			if err != nil {
				return fmt.Errorf("failed to fail rotation: %w", err)
			}
			return printRotationResult(result)
		},
	}
	failCmd.Flags().StringVar(&reason, "reason", "", "Failure reason")

	cmd.AddCommand(listCmd, approveCmd, failCmd)
	return cmd
}

func newBindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Manage key bindings",
	}
	addProviderFlag(cmd)

	var keyID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a provider's bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := providerPath("/bindings")
			if keyID != "" {
				path += "?keyId=" + url.QueryEscape(keyID)
			}
			result, err := newClient().getRaw(path)
			if err != nil {
				return fmt.Errorf("failed to list bindings: %w", err)
			}
			return printList(result, "bindings", []column{
				{Header: "ID", Path: "id"},
				{Header: "Key", Path: "keyId"},
				{Header: "Type", Path: "bindingType"},
				{Header: "Ref", Path: "bindingRef", Width: 40},
				{Header: "State", Path: "state"},
				{Header: "Created", Path: "createdAt"},
			})
		},
	}
	listCmd.Flags().StringVar(&keyID, "key", "", "Filter by key ID")

	var attachKey, bindingType, bindingRef string
	attachCmd := &cobra.Command{
		Use:   "attach",
		Short: "Bind a key to a workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/bindings"), map[string]any{
				"keyId":       attachKey,
				"bindingType": bindingType,
				"bindingRef":  bindingRef,
			})
			if err != nil {
				return fmt.Errorf("failed to attach binding: %w", err)
			}
			return printObject(result)
		},
	}
	attachCmd.Flags().StringVar(&attachKey, "key", "", "Key ID")
	attachCmd.Flags().StringVar(&bindingType, "type", "", "Binding type")
	attachCmd.Flags().StringVar(&bindingRef, "ref", "", "Binding reference")
	_ = attachCmd.MarkFlagRequired("key")
	_ = attachCmd.MarkFlagRequired("type")
	_ = attachCmd.MarkFlagRequired("ref")

	revokeCmd := &cobra.Command{
		Use:   "revoke <binding-id>",
		Short: "Revoke a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := newClient().do(http.MethodDelete, providerPath("/bindings/%s", url.PathEscape(args[0])), nil, &result); err != nil {
				return fmt.Errorf("failed to revoke binding: %w", err)
			}
			return printObject(result)
		},
	}

	cmd.AddCommand(listCmd, attachCmd, revokeCmd)
	return cmd
}

func newVetoCmd() *cobra.Command {
	var keyID, reason, source string
	cmd := &cobra.Command{
		Use:   "veto",
		Short: "Record a runtime veto against a provider's key",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(providerPath("/vetoes"), map[string]any{
				"keyId":  keyID,
				"reason": reason,
				"source": source,
			})
			if err != nil {
				return fmt.Errorf("failed to record veto: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			fmt.Fprintf(stdout, "Veto recorded: %s\n", extractValue(result, "eventId"))
			return nil
		},
	}
	addProviderFlag(cmd)
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (default: the provider's live key)")
	cmd.Flags().StringVar(&reason, "reason", "", "Veto reason")
	cmd.Flags().StringVar(&source, "source", "", "Veto source")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newSLACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "Rotation SLA operations",
	}

	var warningWindow, breachWindow string
	enforceCmd := &cobra.Command{
		Use:   "enforce",
		Short: "Run one rotation SLA enforcement pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().postJSON(keysAPIBase+"/sla:enforce", map[string]any{
				"warningWindow": warningWindow,
				"breachWindow":  breachWindow,
			})
			if err != nil {
				return fmt.Errorf("failed to enforce SLAs: %w", err)
			}
			if structuredOutput() {
				return printOutput(result)
			}
			rows := [][]string{}
			for _, b := range toMapSlice(result["breached"]) {
				rows = append(rows, []string{"breached", extractValue(b, "key.providerId"), extractValue(b, "key.id"), extractValue(b, "dueAt")})
			}
			for _, w := range toMapSlice(result["approaching"]) {
				rows = append(rows, []string{"approaching", extractValue(w, "key.providerId"), extractValue(w, "key.id"), extractValue(w, "dueAt")})
			}
			printTable([]string{"Status", "Provider", "Key", "Due"}, rows)
			return nil
		},
	}
	enforceCmd.Flags().StringVar(&warningWindow, "warning-window", "", "Warning window, e.g. 72h (default: server setting)")
	enforceCmd.Flags().StringVar(&breachWindow, "breach-window", "", "Breach grace window, e.g. 0s (default: server setting)")

	cmd.AddCommand(enforceCmd)
	return cmd
}
