package simpleuser

import "context"

// UserContext is the request-scoped identity input of ResolveUser.
//
// Token is the login token, if any. SSAID is the client session id the
// client generated on first launch. IP is the normalized client address.
// ForceAllowAnonymous resolves an anonymous user even when
// Config.Anonymous.Allowed is false; Login uses it to find the user the
// login migrates from.
type UserContext struct {
	Token               string
	SSAID               string
	IP                  string
	ForceAllowAnonymous bool
}

// Risk returns the risk-control dimensions of the request.
func (u UserContext) Risk() RiskContext {
	return RiskContext{SSAID: u.SSAID, IP: u.IP}
}

// RiskContext identifies the client for throttling.
type RiskContext struct {
	SSAID string
	IP    string
}

type clientContextKey struct{}
type userContextKey struct{}

// WithClient attaches the request identity to ctx.
func WithClient(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, uc)
}

// ClientFromContext returns the identity attached by WithClient.
func ClientFromContext(ctx context.Context) (UserContext, bool) {
	if ctx == nil {
		return UserContext{}, false
	}
	uc, ok := ctx.Value(clientContextKey{}).(UserContext)
	return uc, ok
}

// WithUser attaches a resolved user to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the user attached by WithUser.
func UserFromContext(ctx context.Context) (*User, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx.Value(userContextKey{}).(*User)
	return u, ok && u != nil
}
