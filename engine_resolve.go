package simpleuser

import (
	"context"
	"errors"
	"time"

	"github.com/purerosefallen/simpleuser/userstore"
)

// ResolveUser turns the request identity into a user.
//
// With a token the session must exist and point at a live user, otherwise
// ErrUnauthenticated. Without a token the anonymous user of uc.SSAID is
// returned, created on first contact. Creation runs under a lock named
// after the ssaid and re-checks inside a transaction, so concurrent first
// requests from one client create exactly one row.
//
// Every resolved user has its last-active fields stamped and any pending
// unregistration cleared before the AfterResolve hook runs.
func (e *Engine) ResolveUser(ctx context.Context, uc UserContext) (*User, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricResolveLatency, time.Since(start)) }()
	}

	if uc.Token != "" {
		u, err := e.resolveToken(ctx, uc.Token)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				e.metricInc(MetricResolveUnauthenticated)
			}
			return nil, err
		}
		return e.afterResolve(ctx, u, uc.IP)
	}

	if !e.config.Anonymous.Allowed && !uc.ForceAllowAnonymous {
		return nil, ErrAuthenticationRequired
	}
	if uc.SSAID == "" {
		return nil, ErrMissingClientSession
	}

	u, err := e.users.FindBySSAID(ctx, uc.SSAID)
	if errors.Is(err, userstore.ErrNotFound) {
		u, err = e.createAnonymous(ctx, uc)
	}
	if err != nil {
		return nil, err
	}
	return e.afterResolve(ctx, u, uc.IP)
}

func (e *Engine) resolveToken(ctx context.Context, token string) (*User, error) {
	userID, ok, err := e.sessions.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthenticated
	}

	u, err := e.users.FindByID(ctx, userID)
	if errors.Is(err, userstore.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	// a token that outlived the account reads exactly like a bad token
	if e.expired(u) {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

func (e *Engine) createAnonymous(ctx context.Context, uc UserContext) (*User, error) {
	var (
		u       *User
		created bool
	)
	err := e.cache.WithLock(ctx, "create_user_"+uc.SSAID, func(ctx context.Context) error {
		return e.users.RunInTransaction(ctx, func(ctx context.Context) error {
			existing, err := e.users.FindBySSAID(ctx, uc.SSAID)
			if err == nil {
				u = existing
				return nil
			}
			if !errors.Is(err, userstore.ErrNotFound) {
				return err
			}

			u, err = e.users.Create(ctx, &User{SSAID: userstore.String(uc.SSAID)})
			if err != nil {
				return err
			}
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if created {
		e.metricInc(MetricAnonymousCreated)
		e.emitAudit(ctx, auditEventAnonymousCreated, true, subjectOf(u, uc.Risk()), nil, nil)
	}
	return u, nil
}

func (e *Engine) afterResolve(ctx context.Context, u *User, ip string) (*User, error) {
	p := new(userstore.Patch).
		LastActive(ip, e.now()).
		UnregisterTime(nil)
	if err := e.users.Update(ctx, u.ID, p); err != nil {
		return nil, err
	}
	p.Apply(u)

	if e.hooks.AfterResolve == nil {
		return u, nil
	}
	res, err := e.hooks.AfterResolve(ctx, u)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return u, nil
	}
	return res, nil
}
