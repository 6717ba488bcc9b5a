package simpleuser

import (
	"context"
	"errors"

	"github.com/purerosefallen/simpleuser/internal/rate"
	"github.com/purerosefallen/simpleuser/userstore"
)

// Login authenticates email with a code or a password and issues a token.
//
// The anonymous user of risk.SSAID is always resolved first. When no live
// account holds email, a valid Login code registers that anonymous user
// under email; a password alone fails with ErrNotFound. When an account
// exists, the code or password is checked, a pending unregistration is
// cancelled and Hooks.OnMigrate is called with the anonymous user and the
// account.
func (e *Engine) Login(ctx context.Context, req LoginRequest, risk RiskContext) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if req.Code == "" && req.Password == "" {
		return nil, ErrCodeOrPasswordRequired
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	res, err := e.login(ctx, email, req, risk)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditSubject{email: email, risk: risk}, err, nil)
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	return res, nil
}

func (e *Engine) login(ctx context.Context, email string, req LoginRequest, risk RiskContext) (*LoginResult, error) {
	user, err := e.findLiveByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	anonymous, err := e.ResolveUser(ctx, UserContext{
		SSAID:               risk.SSAID,
		IP:                  risk.IP,
		ForceAllowAnonymous: true,
	})
	if err != nil {
		return nil, err
	}

	if user == nil {
		return e.register(ctx, email, anonymous, req, risk)
	}

	if req.Code != "" {
		if err := e.verifyCode(ctx, email, PurposeLogin, req.Code, true); err != nil {
			return nil, err
		}
	} else if err := e.checkPassword(ctx, user, req.Password, risk); err != nil {
		return nil, err
	}

	if user.UnregisterTime != nil {
		p := new(userstore.Patch).UnregisterTime(nil)
		if err := e.users.Update(ctx, user.ID, p); err != nil {
			return nil, err
		}
		p.Apply(user)
		e.metricInc(MetricLoginRecovered)
		e.emitAudit(ctx, auditEventRecovered, true, subjectOf(user, risk), nil, nil)
	}

	if e.hooks.OnMigrate != nil {
		if err := e.hooks.OnMigrate(ctx, anonymous, user); err != nil {
			return nil, err
		}
	}

	return e.issueToken(ctx, user, risk)
}

// register promotes the anonymous user to an account holding email.
func (e *Engine) register(ctx context.Context, email string, anonymous *User, req LoginRequest, risk RiskContext) (*LoginResult, error) {
	if req.Code == "" {
		return nil, ErrNotFound
	}
	if req.SetPassword != "" {
		if err := e.checkNewPassword(req.SetPassword); err != nil {
			return nil, err
		}
	}
	if err := e.verifyCode(ctx, email, PurposeLogin, req.Code, true); err != nil {
		return nil, err
	}

	p := new(userstore.Patch).
		Email(&email).
		SSAID(nil).
		Register(risk.IP, e.now()).
		UnregisterTime(nil)
	if req.SetPassword != "" {
		hash, err := e.passwordHash.Hash(req.SetPassword)
		if err != nil {
			return nil, err
		}
		p.PasswordHash(&hash)
	}

	err := e.users.RunInTransaction(ctx, func(ctx context.Context) error {
		// reclaim the address from accounts whose grace period is over
		if _, err := e.users.DeleteUnregisteredBefore(ctx, email, e.cutoff()); err != nil {
			return err
		}
		return e.users.Update(ctx, anonymous.ID, p)
	})
	if err != nil {
		return nil, err
	}
	p.Apply(anonymous)

	e.metricInc(MetricLoginRegistered)
	e.emitAudit(ctx, auditEventRegistered, true, subjectOf(anonymous, risk), nil, nil)

	return e.issueToken(ctx, anonymous, risk)
}

// issueToken stamps the login and creates a session for u.
func (e *Engine) issueToken(ctx context.Context, u *User, risk RiskContext) (*LoginResult, error) {
	p := new(userstore.Patch).Login(risk.IP, e.now())
	if err := e.users.Update(ctx, u.ID, p); err != nil {
		return nil, err
	}
	p.Apply(u)

	issued, err := e.sessions.Issue(ctx, u.ID, u.EmailValue())
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, subjectOf(u, risk), nil, nil)

	return &LoginResult{
		Token:          issued.Token,
		TokenExpiresAt: issued.ExpiresAt,
		UserID:         u.ID,
	}, nil
}

// checkPassword runs the password lockout, then compares password with the
// stored hash. A mismatch is recorded under the user, ssaid and IP
// dimensions. A missing or corrupt hash never matches.
func (e *Engine) checkPassword(ctx context.Context, u *User, password string, risk RiskContext) error {
	dims := rate.PasswordDimensions(u.ID, risk.SSAID, risk.IP)
	if err := e.passwordRisk.Check(ctx, dims...); err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			e.metricInc(MetricPasswordLocked)
			e.emitRateLimit(ctx, "password", subjectOf(u, risk), err)
		}
		return err
	}

	var hash string
	if u.PasswordHash != nil {
		hash = *u.PasswordHash
	}
	if password != "" && e.passwordHash.Matches(password, hash) {
		return nil
	}

	e.metricInc(MetricPasswordFailure)
	if err := e.passwordRisk.Record(ctx, dims...); err != nil {
		return err
	}
	return ErrInvalidPassword
}

// findLiveByEmail returns nil when no row holds email or the row is past
// its unregister grace period.
func (e *Engine) findLiveByEmail(ctx context.Context, email string) (*User, error) {
	u, err := e.users.FindByEmail(ctx, email)
	if errors.Is(err, userstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.expired(u) {
		return nil, nil
	}
	return u, nil
}
