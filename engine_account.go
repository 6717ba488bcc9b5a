package simpleuser

import (
	"context"
	"errors"

	"github.com/purerosefallen/simpleuser/userstore"
)

/*
====================================
PROFILE
====================================
*/

// UserExists reports whether a live or recoverable account holds email.
// Accounts past their unregister grace period read as absent.
func (e *Engine) UserExists(ctx context.Context, email string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	u, err := e.findLiveByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// FindUser loads a user by id. Missing and expired users are ErrNotFound.
func (e *Engine) FindUser(ctx context.Context, id int64) (*User, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	u, err := e.users.FindByID(ctx, id)
	if errors.Is(err, userstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.expired(u) {
		return nil, ErrNotFound
	}
	return u, nil
}

// ChangeEmail moves a registered user to newEmail after verifying a
// ChangeEmail code sent to newEmail. Existing tokens stay valid.
func (e *Engine) ChangeEmail(ctx context.Context, u *User, newEmail, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if u == nil || u.IsAnonymous() {
		return ErrNotAllowed
	}
	newEmail, err := normalizeEmail(newEmail)
	if err != nil {
		return err
	}
	// a taken address must not burn the code
	if err := e.checkEmailFree(ctx, newEmail, u.ID); err != nil {
		return err
	}
	if err := e.verifyCode(ctx, newEmail, PurposeChangeEmail, code, true); err != nil {
		return err
	}

	oldEmail := u.EmailValue()
	p := new(userstore.Patch).Email(&newEmail)
	err = e.users.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.users.DeleteUnregisteredBefore(ctx, newEmail, e.cutoff()); err != nil {
			return err
		}
		holder, err := e.users.FindByEmail(ctx, newEmail)
		switch {
		case err == nil && holder.ID != u.ID:
			return ErrEmailTaken
		case err != nil && !errors.Is(err, userstore.ErrNotFound):
			return err
		}
		return e.users.Update(ctx, u.ID, p)
	})
	if err != nil {
		return err
	}
	p.Apply(u)

	if _, err := e.sessions.MoveEmail(ctx, oldEmail, newEmail); err != nil {
		e.log.Warn(ctx, "reindex sessions after email change", "user_id", u.ID, "err", err)
	}

	e.metricInc(MetricEmailChanged)
	e.emitAudit(ctx, auditEventEmailChanged, true, subjectOf(u, RiskContext{}), nil, func() map[string]string {
		return map[string]string{"previous_email": oldEmail}
	})
	return nil
}

func (e *Engine) checkEmailFree(ctx context.Context, email string, self int64) error {
	holder, err := e.users.FindByEmail(ctx, email)
	if errors.Is(err, userstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.ID != self && !e.expired(holder) {
		return ErrEmailTaken
	}
	return nil
}

/*
====================================
PASSWORDS
====================================
*/

// ChangePassword replaces the password of a registered user and revokes
// every session of the account. When a password is already set, current
// must match it and goes through the same lockout as a password login.
func (e *Engine) ChangePassword(ctx context.Context, u *User, current, next string, risk RiskContext) error {
	if err := e.ready(); err != nil {
		return err
	}
	if u == nil || u.IsAnonymous() {
		return ErrNotAllowed
	}
	if err := e.checkNewPassword(next); err != nil {
		return err
	}

	if u.PasswordSet() {
		if err := e.checkPassword(ctx, u, current, risk); err != nil {
			e.emitAudit(ctx, auditEventPasswordChangeErr, false, subjectOf(u, risk), err, nil)
			return err
		}
	}

	hash, err := e.passwordHash.Hash(next)
	if err != nil {
		return err
	}
	p := new(userstore.Patch).PasswordHash(&hash)
	if err := e.users.Update(ctx, u.ID, p); err != nil {
		return err
	}
	p.Apply(u)

	if err := e.revokeAll(ctx, u.EmailValue()); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, subjectOf(u, risk), nil, nil)
	return nil
}

// ResetPassword sets the password of the account holding email after
// verifying a ResetPassword code, then revokes its sessions. It succeeds
// silently when no account holds email.
func (e *Engine) ResetPassword(ctx context.Context, email, code, next string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := e.checkNewPassword(next); err != nil {
		return err
	}
	if err := e.verifyCode(ctx, email, PurposeResetPassword, code, true); err != nil {
		return err
	}

	hash, err := e.passwordHash.Hash(next)
	if err != nil {
		return err
	}
	if _, err := e.users.UpdateByEmail(ctx, email, new(userstore.Patch).PasswordHash(&hash)); err != nil {
		return err
	}

	if err := e.revokeAll(ctx, email); err != nil {
		return err
	}

	e.metricInc(MetricPasswordReset)
	e.emitAudit(ctx, auditEventPasswordReset, true, auditSubject{email: email}, nil, nil)
	return nil
}

func (e *Engine) checkNewPassword(pw string) error {
	if pw == "" || len(pw) < e.config.Password.MinLength {
		return ErrPasswordTooShort
	}
	return nil
}

/*
====================================
SESSIONS
====================================
*/

// Logout revokes one token. Unknown tokens are ignored.
func (e *Engine) Logout(ctx context.Context, token string) error {
	if err := e.ready(); err != nil {
		return err
	}
	userID, ok, err := e.sessions.Lookup(ctx, token)
	if err != nil || !ok {
		return err
	}

	var email string
	if u, err := e.users.FindByID(ctx, userID); err == nil {
		email = u.EmailValue()
	} else if !errors.Is(err, userstore.ErrNotFound) {
		return err
	}

	if err := e.sessions.Revoke(ctx, token, email); err != nil {
		return err
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogout, true, auditSubject{userID: userID, email: email}, nil, nil)
	return nil
}

func (e *Engine) revokeAll(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	n, err := e.sessions.RevokeAllForEmail(ctx, email)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	if n > 0 {
		e.emitAudit(ctx, auditEventSessionsRevoked, true, auditSubject{email: email}, nil, nil)
	}
	return nil
}

/*
====================================
UNREGISTER
====================================
*/

// Unregister soft-deletes u. The stamp, the session revocation and
// Hooks.OnUnregister share one transaction: a hook error rolls the stamp
// back. The account stays recoverable by login for
// Config.Account.UnregisterGrace.
func (e *Engine) Unregister(ctx context.Context, u *User) error {
	if err := e.ready(); err != nil {
		return err
	}
	if u == nil {
		return ErrNotFound
	}

	now := e.now()
	p := new(userstore.Patch).UnregisterTime(&now)
	err := e.users.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := e.users.Update(ctx, u.ID, p); err != nil {
			return err
		}
		if err := e.revokeAll(ctx, u.EmailValue()); err != nil {
			return err
		}
		if e.hooks.OnUnregister != nil {
			return e.hooks.OnUnregister(ctx, u, e.users.Conn(ctx))
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Apply(u)

	e.metricInc(MetricUnregister)
	e.emitAudit(ctx, auditEventUnregister, true, subjectOf(u, RiskContext{}), nil, nil)
	return nil
}

// UnregisterWithEmail unregisters the account holding email after
// verifying an Unregister code. An address with no active account, or one
// already unregistered, succeeds without doing anything.
func (e *Engine) UnregisterWithEmail(ctx context.Context, email, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := e.verifyCode(ctx, email, PurposeUnregister, code, true); err != nil {
		return err
	}

	return e.users.RunInTransaction(ctx, func(ctx context.Context) error {
		u, err := e.users.FindByEmail(ctx, email)
		if errors.Is(err, userstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if u.UnregisterTime != nil {
			return nil
		}
		return e.Unregister(ctx, u)
	})
}

/*
====================================
BOOTSTRAP
====================================
*/

// SeedInitialUsers creates or updates bootstrap accounts in one
// transaction. Entries without an email are skipped; an existing account
// only has its password replaced, when one is given.
func (e *Engine) SeedInitialUsers(ctx context.Context, seeds []InitialUser) error {
	if err := e.ready(); err != nil {
		return err
	}

	return e.users.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, seed := range seeds {
			if seed.Email == "" {
				continue
			}
			email, err := normalizeEmail(seed.Email)
			if err != nil {
				return err
			}

			var hash *string
			if seed.Password != "" {
				h, err := e.passwordHash.Hash(seed.Password)
				if err != nil {
					return err
				}
				hash = &h
			}

			existing, err := e.users.FindByEmail(ctx, email)
			switch {
			case err == nil:
				if hash != nil {
					if err := e.users.Update(ctx, existing.ID, new(userstore.Patch).PasswordHash(hash)); err != nil {
						return err
					}
				}
				e.log.Info(ctx, "initial user exists, updated", "email", email, "user_id", existing.ID)
			case errors.Is(err, userstore.ErrNotFound):
				created, err := e.users.Create(ctx, &User{
					Email:        userstore.String(email),
					PasswordHash: hash,
					RegisterTime: userstore.Time(e.now()),
				})
				if err != nil {
					return err
				}
				e.log.Info(ctx, "created initial user", "email", email, "user_id", created.ID)
			default:
				return err
			}
		}
		return nil
	})
}
