package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping is the RBAC resource and verb an HTTP request needs.
type ResourceMapping struct {
	Resource string
	Verb     string
}

// UnknownMapping is returned when no route pattern matches. Callers deny it.
var UnknownMapping = ResourceMapping{}

// MapRequest maps a trust API request, /api/<family>/<version>/..., to the
// resource and verb checked for it. Custom methods (the ":name" suffix of
// the last segment) map to their own verbs.
func MapRequest(method, path string) ResourceMapping {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" {
		return UnknownMapping
	}
	family := parts[1]
	segs, action := splitAction(parts[3:])

	switch family {
	case "keys":
		return mapKeysRoute(method, segs, action)
	case "audit":
		return mapAuditRoute(method, segs)
	case "attestation":
		return mapAttestationRoute(method, segs, action)
	case "remediation":
		return mapRemediationRoute(method, segs, action)
	case "jobs":
		return mapJobsRoute(method, segs, action)
	}
	return UnknownMapping
}

// splitAction separates a trailing ":action" from the last segment.
func splitAction(segs []string) ([]string, string) {
	if len(segs) == 0 {
		return segs, ""
	}
	last := segs[len(segs)-1]
	i := strings.LastIndex(last, ":")
	if i < 0 {
		return segs, ""
	}
	out := append([]string(nil), segs...)
	out[len(out)-1] = last[:i]
	return out, last[i+1:]
}

// crud maps plain REST methods on a collection (hasID false) or an item.
func crud(resource, method string, hasID bool) ResourceMapping {
	switch method {
	case http.MethodGet, http.MethodHead:
		if hasID {
			return ResourceMapping{Resource: resource, Verb: VerbGet}
		}
		return ResourceMapping{Resource: resource, Verb: VerbList}
	case http.MethodPost:
		return ResourceMapping{Resource: resource, Verb: VerbCreate}
	case http.MethodPut, http.MethodPatch:
		return ResourceMapping{Resource: resource, Verb: VerbUpdate}
	case http.MethodDelete:
		return ResourceMapping{Resource: resource, Verb: VerbDelete}
	}
	return UnknownMapping
}

// mapKeysRoute handles /providers/{id}/... and /sla:enforce.
func mapKeysRoute(method string, segs []string, action string) ResourceMapping {
	if len(segs) == 1 && segs[0] == "sla" && action == "enforce" && method == http.MethodPost {
		return ResourceMapping{Resource: ResourceProviderKeys, Verb: VerbUpdate}
	}
	if len(segs) < 3 || segs[0] != "providers" {
		return UnknownMapping
	}
	hasID := len(segs) > 3

	switch segs[2] {
	case "keys":
		switch action {
		case "":
			return crud(ResourceProviderKeys, method, hasID)
		case "activate":
			return ResourceMapping{Resource: ResourceProviderKeys, Verb: VerbApprove}
		case "revoke":
			return ResourceMapping{Resource: ResourceProviderKeys, Verb: VerbRevoke}
		case "retire":
			return ResourceMapping{Resource: ResourceProviderKeys, Verb: VerbUpdate}
		case "rotate":
			return ResourceMapping{Resource: ResourceKeyRotations, Verb: VerbCreate}
		}
	case "rotations":
		switch action {
		case "":
			return crud(ResourceKeyRotations, method, hasID)
		case "approve":
			return ResourceMapping{Resource: ResourceKeyRotations, Verb: VerbApprove}
		case "fail":
			return ResourceMapping{Resource: ResourceKeyRotations, Verb: VerbUpdate}
		}
	case "bindings":
		if action == "" {
			return crud(ResourceKeyBindings, method, hasID)
		}
	case "vetoes":
		if action == "" {
			return crud(ResourceKeyVetoes, method, hasID)
		}
	case "policy-summary":
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourceProviderKeys, Verb: VerbGet}
		}
	}
	return UnknownMapping
}

// mapAuditRoute handles the read-only audit API.
func mapAuditRoute(method string, segs []string) ResourceMapping {
	if method != http.MethodGet {
		return UnknownMapping
	}
	switch {
	case len(segs) == 3 && segs[0] == "providers" && segs[2] == "audit-events":
		return ResourceMapping{Resource: ResourceAuditEvents, Verb: VerbList}
	case len(segs) == 2 && segs[0] == "audit-events":
		return ResourceMapping{Resource: ResourceAuditEvents, Verb: VerbGet}
	}
	return UnknownMapping
}

// mapAttestationRoute handles attestations, trust state and posture.
func mapAttestationRoute(method string, segs []string, action string) ResourceMapping {
	if len(segs) == 1 && segs[0] == "instances" && action == "summary" && method == http.MethodGet {
		return ResourceMapping{Resource: ResourceAttestations, Verb: VerbList}
	}
	if action != "" {
		return UnknownMapping
	}
	if len(segs) == 2 && segs[0] == "attestations" {
		return crud(ResourceAttestations, method, true)
	}
	if len(segs) < 3 || segs[0] != "instances" {
		return UnknownMapping
	}

	switch strings.Join(segs[2:], "/") {
	case "attestations":
		return crud(ResourceAttestations, method, false)
	case "trust":
		return crud(ResourceTrustStates, method, true)
	case "trust/history":
		return crud(ResourceTrustStates, method, false)
	case "trust/transitions":
		if method == http.MethodPost {
			return ResourceMapping{Resource: ResourceTrustStates, Verb: VerbUpdate}
		}
	case "posture":
		return crud(ResourcePosture, method, true)
	}
	return UnknownMapping
}

// mapRemediationRoute handles playbooks, runs and run artifacts.
func mapRemediationRoute(method string, segs []string, action string) ResourceMapping {
	switch {
	case len(segs) >= 1 && segs[0] == "playbooks" && action == "":
		return crud(ResourcePlaybooks, method, len(segs) > 1)
	case len(segs) == 3 && segs[0] == "instances" && segs[2] == "remediation-runs":
		return crud(ResourceRemediationRuns, method, false)
	case len(segs) == 2 && segs[0] == "remediation-runs":
		switch action {
		case "":
			return crud(ResourceRemediationRuns, method, true)
		case "approve", "reject":
			return ResourceMapping{Resource: ResourceRemediationRuns, Verb: VerbApprove}
		case "complete", "fail":
			return ResourceMapping{Resource: ResourceRemediationRuns, Verb: VerbUpdate}
		}
	case len(segs) == 3 && segs[0] == "remediation-runs" && segs[2] == "artifacts":
		if method == http.MethodPost {
			return ResourceMapping{Resource: ResourceRemediationRuns, Verb: VerbUpdate}
		}
		return crud(ResourceRemediationRuns, method, true)
	}
	return UnknownMapping
}

// mapJobsRoute handles the job API.
func mapJobsRoute(method string, segs []string, action string) ResourceMapping {
	if len(segs) == 0 || segs[0] != "jobs" {
		return UnknownMapping
	}
	switch action {
	case "":
		return crud(ResourceJobs, method, len(segs) > 1)
	case "cancel":
		return ResourceMapping{Resource: ResourceJobs, Verb: VerbUpdate}
	}
	return UnknownMapping
}
