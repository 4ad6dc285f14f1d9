package security

import (
	"context"
	"strings"
	"time"
)

// DispatchAuthorizor adapts an Authenticator+Authorizer pair onto
// dispatch.Authorizor's (ctx, method, senderID) (context.Context, bool) shape: the
// sender id is treated as a bearer token, authenticated, then checked
// against resource against the permission its method name implies.
type DispatchAuthorizor struct {
	Authenticator Authenticator
	Authorizer    Authorizer

	// Resource is the name authorization decisions are checked against
	// (typically the agent role being dispatched to).
	Resource string

	// AdminPrefix marks methods that require PermAdmin instead of
	// PermExecute, e.g. "admin_" for "admin_shutdown".
	AdminPrefix string
}

// Authorize satisfies dispatch.Authorizor. On success, the returned
// context carries the authenticated Principal (retrievable with
// GetPrincipal) for the rest of the dispatch, including the operation's
// own Invoke call.
func (d *DispatchAuthorizor) Authorize(ctx context.Context, method, senderID string) (context.Context, bool) {
	principal, err := d.Authenticator.Authenticate(ctx, senderID)
	if err != nil {
		return ctx, false
	}

	perm := PermExecute
	if d.AdminPrefix != "" && strings.HasPrefix(method, d.AdminPrefix) {
		perm = PermAdmin
	}

	if d.Authorizer.Authorize(ctx, principal, d.Resource, perm) != nil {
		return ctx, false
	}

	authCtx := WithAuthContext(ctx, &AuthContext{Principal: principal, RequestTime: time.Now()})
	return authCtx, true
}
