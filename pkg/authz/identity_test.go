package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityMiddleware(t *testing.T) {
	var got Identity
	handler := IdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Remote-User", " alice ")
	req.Header.Set("X-Remote-Group", "sec-ops, ,platform")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "alice", got.User)
	assert.Equal(t, []string{"sec-ops", "platform"}, got.Groups)
	assert.Equal(t, "user:alice", got.Actor())
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, Anonymous, ActorFromContext(context.Background()))

	ctx := WithIdentity(context.Background(), Identity{})
	assert.Equal(t, Anonymous, ActorFromContext(ctx))

	ctx = WithIdentity(context.Background(), Identity{User: "system:serviceaccount:trust:sweeper"})
	assert.Equal(t, "system:serviceaccount:trust:sweeper", ActorFromContext(ctx))
}
