package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/purerosefallen/simpleuser"
)

const (
	// HeaderToken carries the login token.
	HeaderToken = "X-Client-Token"
	// HeaderSSAID carries the client session id.
	HeaderSSAID = "X-Client-SSAID"

	headerForwardedFor = "X-Forwarded-For"
)

// Resolver is the part of *simpleuser.Engine the middleware needs.
type Resolver interface {
	ResolveUser(ctx context.Context, uc simpleuser.UserContext) (*simpleuser.User, error)
}

// Options tunes the middleware.
type Options struct {
	// TrustProxy takes the client address from the first X-Forwarded-For hop.
	TrustProxy bool
	// OnError writes the response for a failed resolution. Nil uses
	// DefaultErrorHandler.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Client attaches the request identity to the context.
func Client(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := ClientFromRequest(r, opts.TrustProxy)
			next.ServeHTTP(w, r.WithContext(simpleuser.WithClient(r.Context(), uc)))
		})
	}
}

// Identity attaches the request identity and the resolved user to the
// context.
func Identity(engine Resolver, opts Options) func(http.Handler) http.Handler {
	onError := opts.OnError
	if onError == nil {
		onError = DefaultErrorHandler
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				onError(w, r, simpleuser.ErrEngineNotReady)
				return
			}

			uc := ClientFromRequest(r, opts.TrustProxy)
			ctx := simpleuser.WithClient(r.Context(), uc)

			u, err := engine.ResolveUser(ctx, uc)
			if err != nil {
				onError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(simpleuser.WithUser(ctx, u)))
		})
	}
}

// DefaultErrorHandler answers 401 for identity failures and 500 otherwise.
func DefaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, simpleuser.ErrUnauthenticated),
		errors.Is(err, simpleuser.ErrAuthenticationRequired),
		errors.Is(err, simpleuser.ErrMissingClientSession):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ClientFromRequest reads the identity headers and the client address.
func ClientFromRequest(r *http.Request, trustProxy bool) simpleuser.UserContext {
	return simpleuser.UserContext{
		Token: strings.TrimSpace(r.Header.Get(HeaderToken)),
		SSAID: strings.TrimSpace(r.Header.Get(HeaderSSAID)),
		IP:    clientIP(r, trustProxy),
	}
}

// UserFromContext returns the user resolved by Identity.
func UserFromContext(ctx context.Context) (*simpleuser.User, bool) {
	return simpleuser.UserFromContext(ctx)
}

// RiskFromRequest returns the throttling dimensions of r, preferring the
// identity attached by Client or Identity.
func RiskFromRequest(r *http.Request, trustProxy bool) simpleuser.RiskContext {
	if uc, ok := simpleuser.ClientFromContext(r.Context()); ok {
		return uc.Risk()
	}
	return ClientFromRequest(r, trustProxy).Risk()
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get(headerForwardedFor); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := NormalizeIP(first); ip != "" {
				return ip
			}
		}
	}
	return NormalizeIP(r.RemoteAddr)
}

// NormalizeIP strips a port and the IPv4-mapped IPv6 prefix.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "[")
	addr = strings.TrimSuffix(addr, "]")
	if strings.HasPrefix(addr, "::ffff:") {
		return addr[len("::ffff:"):]
	}
	return addr
}
