package authz

import (
	"context"
	"errors"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestSARAuthorizer(t *testing.T) {
	tests := []struct {
		name        string
		sarAllowed  bool
		sarErr      error
		req         AuthzRequest
		wantAllowed bool
		wantErr     bool
	}{
		{
			name:       "allowed - namespace scoped",
			sarAllowed: true,
			req: AuthzRequest{
				User:      "alice",
				Groups:    []string{"secops"},
				Resource:  ResourceProviderKeys,
				Verb:      VerbRevoke,
				Namespace: "trust-system",
			},
			wantAllowed: true,
		},
		{
			name:       "denied - namespace scoped",
			sarAllowed: false,
			req: AuthzRequest{
				User:      "bob",
				Resource:  ResourceKeyRotations,
				Verb:      VerbApprove,
				Namespace: "trust-system",
			},
			wantAllowed: false,
		},
		{
			name:       "allowed - cluster scoped",
			sarAllowed: true,
			req: AuthzRequest{
				User:     "system:serviceaccount:trust-system:attestor",
				Resource: ResourceAttestations,
				Verb:     VerbCreate,
			},
			wantAllowed: true,
		},
		{
			name:   "api error",
			sarErr: errors.New("connection refused"),
			req: AuthzRequest{
				User:     "viewer",
				Resource: ResourceJobs,
				Verb:     VerbList,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewClientset()
			client.Fake.PrependReactor("create", "subjectaccessreviews",
				func(action k8stesting.Action) (bool, runtime.Object, error) {
					if tt.sarErr != nil {
						return true, nil, tt.sarErr
					}
					sar := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SubjectAccessReview)

					if sar.Spec.User != tt.req.User {
						t.Errorf("SAR User = %q, want %q", sar.Spec.User, tt.req.User)
					}
					attrs := sar.Spec.ResourceAttributes
					if attrs.Group != APIGroup {
						t.Errorf("SAR Group = %q, want %q", attrs.Group, APIGroup)
					}
					if attrs.Resource != tt.req.Resource || attrs.Verb != tt.req.Verb {
						t.Errorf("SAR = %s/%s, want %s/%s", attrs.Resource, attrs.Verb, tt.req.Resource, tt.req.Verb)
					}
					if attrs.Namespace != tt.req.Namespace {
						t.Errorf("SAR Namespace = %q, want %q", attrs.Namespace, tt.req.Namespace)
					}

					sar.Status.Allowed = tt.sarAllowed
					return true, sar, nil
				},
			)

			allowed, err := NewSARAuthorizer(client).Authorize(context.Background(), tt.req)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}
		})
	}
}
