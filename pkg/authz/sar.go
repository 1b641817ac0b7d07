package authz

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// SARAuthorizer asks the Kubernetes API server whether the caller may
// perform the verb on the trust resource.
type SARAuthorizer struct {
	client kubernetes.Interface
}

// NewSARAuthorizer creates a SARAuthorizer.
func NewSARAuthorizer(client kubernetes.Interface) *SARAuthorizer {
	return &SARAuthorizer{client: client}
}

// Authorize creates a SubjectAccessReview for req.
func (s *SARAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	sar := &authorizationv1.SubjectAccessReview{
		Spec: authorizationv1.SubjectAccessReviewSpec{
			User:   req.User,
			Groups: req.Groups,
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Group:     APIGroup,
				Resource:  req.Resource,
				Verb:      req.Verb,
				Namespace: req.Namespace,
			},
		},
	}

	review, err := s.client.AuthorizationV1().SubjectAccessReviews().Create(ctx, sar, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("subject access review for %s/%s: %w", req.Resource, req.Verb, err)
	}
	return review.Status.Allowed, nil
}
