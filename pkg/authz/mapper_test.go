package authz

import (
	"net/http"
	"testing"
)

func TestMapRequest(t *testing.T) {
	const (
		keys        = "/api/keys/v1alpha1"
		audit       = "/api/audit/v1alpha1"
		attestation = "/api/attestation/v1alpha1"
		remediation = "/api/remediation/v1alpha1"
		jobs        = "/api/jobs/v1alpha1"
	)
	tests := []struct {
		name         string
		method       string
		path         string
		wantResource string
		wantVerb     string
	}{
		// Keys
		{"list keys", http.MethodGet, keys + "/providers/openai/keys", ResourceProviderKeys, VerbList},
		{"get key", http.MethodGet, keys + "/providers/openai/keys/k1", ResourceProviderKeys, VerbGet},
		{"register key", http.MethodPost, keys + "/providers/openai/keys", ResourceProviderKeys, VerbCreate},
		{"activate key", http.MethodPost, keys + "/providers/openai/keys/k1:activate", ResourceProviderKeys, VerbApprove},
		{"revoke key", http.MethodPost, keys + "/providers/openai/keys/k1:revoke", ResourceProviderKeys, VerbRevoke},
		{"retire key", http.MethodPost, keys + "/providers/openai/keys/k1:retire", ResourceProviderKeys, VerbUpdate},
		{"rotate key", http.MethodPost, keys + "/providers/openai/keys/k1:rotate", ResourceKeyRotations, VerbCreate},
		{"list rotations", http.MethodGet, keys + "/providers/openai/rotations", ResourceKeyRotations, VerbList},
		{"approve rotation", http.MethodPost, keys + "/providers/openai/rotations/r1:approve", ResourceKeyRotations, VerbApprove},
		{"fail rotation", http.MethodPost, keys + "/providers/openai/rotations/r1:fail", ResourceKeyRotations, VerbUpdate},
		{"attach binding", http.MethodPost, keys + "/providers/openai/bindings", ResourceKeyBindings, VerbCreate},
		{"revoke binding", http.MethodDelete, keys + "/providers/openai/bindings/b1", ResourceKeyBindings, VerbDelete},
		{"record veto", http.MethodPost, keys + "/providers/openai/vetoes", ResourceKeyVetoes, VerbCreate},
		{"policy summary", http.MethodGet, keys + "/providers/openai/policy-summary", ResourceProviderKeys, VerbGet},
		{"enforce slas", http.MethodPost, keys + "/sla:enforce", ResourceProviderKeys, VerbUpdate},

		// Audit
		{"list audit events", http.MethodGet, audit + "/providers/openai/audit-events", ResourceAuditEvents, VerbList},
		{"get audit event", http.MethodGet, audit + "/audit-events/e1", ResourceAuditEvents, VerbGet},

		// Attestation and trust
		{"submit attestation", http.MethodPost, attestation + "/instances/vm-1/attestations", ResourceAttestations, VerbCreate},
		{"list attestations", http.MethodGet, attestation + "/instances/vm-1/attestations", ResourceAttestations, VerbList},
		{"get attestation", http.MethodGet, attestation + "/attestations/a1", ResourceAttestations, VerbGet},
		{"summary", http.MethodGet, attestation + "/instances:summary", ResourceAttestations, VerbList},
		{"trust status", http.MethodGet, attestation + "/instances/vm-1/trust", ResourceTrustStates, VerbGet},
		{"trust history", http.MethodGet, attestation + "/instances/vm-1/trust/history", ResourceTrustStates, VerbList},
		{"record transition", http.MethodPost, attestation + "/instances/vm-1/trust/transitions", ResourceTrustStates, VerbUpdate},
		{"replace posture", http.MethodPut, attestation + "/instances/vm-1/posture", ResourcePosture, VerbUpdate},
		{"get posture", http.MethodGet, attestation + "/instances/vm-1/posture", ResourcePosture, VerbGet},

		// Remediation
		{"list playbooks", http.MethodGet, remediation + "/playbooks", ResourcePlaybooks, VerbList},
		{"patch playbook", http.MethodPatch, remediation + "/playbooks/p1", ResourcePlaybooks, VerbUpdate},
		{"delete playbook", http.MethodDelete, remediation + "/playbooks/p1", ResourcePlaybooks, VerbDelete},
		{"ensure run", http.MethodPost, remediation + "/instances/vm-1/remediation-runs", ResourceRemediationRuns, VerbCreate},
		{"get run", http.MethodGet, remediation + "/remediation-runs/r1", ResourceRemediationRuns, VerbGet},
		{"approve run", http.MethodPost, remediation + "/remediation-runs/r1:approve", ResourceRemediationRuns, VerbApprove},
		{"reject run", http.MethodPost, remediation + "/remediation-runs/r1:reject", ResourceRemediationRuns, VerbApprove},
		{"complete run", http.MethodPost, remediation + "/remediation-runs/r1:complete", ResourceRemediationRuns, VerbUpdate},
		{"append artifact", http.MethodPost, remediation + "/remediation-runs/r1/artifacts", ResourceRemediationRuns, VerbUpdate},
		{"list artifacts", http.MethodGet, remediation + "/remediation-runs/r1/artifacts", ResourceRemediationRuns, VerbGet},

		// Jobs
		{"list jobs", http.MethodGet, jobs + "/jobs", ResourceJobs, VerbList},
		{"get job", http.MethodGet, jobs + "/jobs/j1", ResourceJobs, VerbGet},
		{"cancel job", http.MethodPost, jobs + "/jobs/j1:cancel", ResourceJobs, VerbUpdate},
		{"trailing slash", http.MethodGet, jobs + "/jobs/", ResourceJobs, VerbList},

		// Unknown
		{"unknown family", http.MethodGet, "/api/unknown/v1alpha1/things", "", ""},
		{"not an api path", http.MethodGet, "/healthz", "", ""},
		{"unknown key action", http.MethodPost, keys + "/providers/openai/keys/k1:explode", "", ""},
		{"audit is read only", http.MethodPost, audit + "/audit-events/e1", "", ""},
		{"unknown job action", http.MethodPost, jobs + "/jobs/j1:retry", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapRequest(tt.method, tt.path)
			if got.Resource != tt.wantResource {
				t.Errorf("Resource = %q, want %q", got.Resource, tt.wantResource)
			}
			if got.Verb != tt.wantVerb {
				t.Errorf("Verb = %q, want %q", got.Verb, tt.wantVerb)
			}
		})
	}
}

func TestSplitAction(t *testing.T) {
	segs, action := splitAction([]string{"jobs", "j1:cancel"})
	if action != "cancel" || segs[1] != "j1" {
		t.Errorf("splitAction = %v %q", segs, action)
	}
	segs, action = splitAction([]string{"jobs", "j1"})
	if action != "" || segs[1] != "j1" {
		t.Errorf("splitAction = %v %q", segs, action)
	}
}
