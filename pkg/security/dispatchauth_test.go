package security

import (
	"context"
	"testing"
)

func TestDispatchAuthorizorGrantsExecuteForValidToken(t *testing.T) {
	authr := NewAPIKeyAuthenticator()
	authr.AddKey("tok-user", &Principal{ID: "u1", Roles: []string{"user"}})

	d := &DispatchAuthorizor{
		Authenticator: authr,
		Authorizer:    NewRBACAuthorizer(),
		Resource:      "counterAgent",
	}

	ctx, ok := d.Authorize(context.Background(), "increment", "tok-user")
	if !ok {
		t.Error("user role should be authorized to execute")
	}
	p, err := GetPrincipal(ctx)
	if err != nil {
		t.Fatalf("expected principal attached to context: %v", err)
	}
	if p.ID != "u1" {
		t.Errorf("got principal %q, want u1", p.ID)
	}
}

func TestDispatchAuthorizorDeniesUnknownToken(t *testing.T) {
	d := &DispatchAuthorizor{
		Authenticator: NewAPIKeyAuthenticator(),
		Authorizer:    NewRBACAuthorizer(),
		Resource:      "counterAgent",
	}

	if _, ok := d.Authorize(context.Background(), "increment", "no-such-token"); ok {
		t.Error("unauthenticated caller should be denied")
	}
}

func TestDispatchAuthorizorRequiresAdminPermissionForPrefixedMethod(t *testing.T) {
	authr := NewAPIKeyAuthenticator()
	authr.AddKey("tok-user", &Principal{ID: "u1", Roles: []string{"user"}})
	authr.AddKey("tok-admin", &Principal{ID: "a1", Roles: []string{"admin"}})

	d := &DispatchAuthorizor{
		Authenticator: authr,
		Authorizer:    NewRBACAuthorizer(),
		Resource:      "counterAgent",
		AdminPrefix:   "admin_",
	}

	if _, ok := d.Authorize(context.Background(), "admin_reset", "tok-user"); ok {
		t.Error("user role should not satisfy admin_-prefixed methods")
	}
	if _, ok := d.Authorize(context.Background(), "admin_reset", "tok-admin"); !ok {
		t.Error("admin role should satisfy admin_-prefixed methods")
	}
}
