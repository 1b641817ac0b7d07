package authz

import "context"

// APIGroup is the API group trust resources are checked against in
// Kubernetes RBAC.
const APIGroup = "trust.kubeflow.org"

// Resource names for RBAC mapping.
const (
	ResourceProviderKeys    = "providerkeys"
	ResourceKeyRotations    = "keyrotations"
	ResourceKeyBindings     = "keybindings"
	ResourceKeyVetoes       = "keyvetoes"
	ResourceAuditEvents     = "auditevents"
	ResourceAttestations    = "attestations"
	ResourceTrustStates     = "truststates"
	ResourcePosture         = "acceleratorposture"
	ResourcePlaybooks       = "remediationplaybooks"
	ResourceRemediationRuns = "remediationruns"
	ResourceJobs            = "jobs"
)

// Verb names for RBAC mapping.
const (
	VerbGet     = "get"
	VerbList    = "list"
	VerbCreate  = "create"
	VerbUpdate  = "update"
	VerbDelete  = "delete"
	VerbApprove = "approve"
	VerbRevoke  = "revoke"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User      string
	Groups    []string
	Resource  string
	Verb      string
	Namespace string // Empty for cluster-scoped checks.
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
