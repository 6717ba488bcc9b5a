package simpleuser

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess      = "login_success"
	auditEventLoginFailure      = "login_failure"
	auditEventRegistered        = "user_registered"
	auditEventRecovered         = "user_recovered"
	auditEventAnonymousCreated  = "anonymous_user_created"
	auditEventCodeSent          = "code_sent"
	auditEventCodeRejected      = "code_rejected"
	auditEventPasswordChanged   = "password_changed"
	auditEventPasswordChangeErr = "password_change_failure"
	auditEventPasswordReset     = "password_reset"
	auditEventEmailChanged      = "email_changed"
	auditEventUnregister        = "user_unregistered"
	auditEventLogout            = "logout"
	auditEventSessionsRevoked   = "sessions_revoked"
	auditEventRateLimited       = "rate_limit_triggered"
)

// AuditErrorCode is the stable, non-sensitive reason attached to failed events.
type AuditErrorCode string

const (
	auditErrUnauthenticated AuditErrorCode = "unauthenticated"
	auditErrInvalidCode     AuditErrorCode = "invalid_code"
	auditErrInvalidPassword AuditErrorCode = "invalid_password"
	auditErrRateLimited     AuditErrorCode = "rate_limited"
	auditErrAttempts        AuditErrorCode = "attempts_exceeded"
	auditErrNotFound        AuditErrorCode = "not_found"
	auditErrNotAllowed      AuditErrorCode = "not_allowed"
	auditErrGeneration      AuditErrorCode = "generation_failed"
	auditErrDuplicate       AuditErrorCode = "duplicate"
	auditErrUnavailable     AuditErrorCode = "backend_unavailable"
	auditErrInternal        AuditErrorCode = "internal_error"
)

// auditSubject identifies who an event is about.
type auditSubject struct {
	userID int64
	email  string
	risk   RiskContext
}

func subjectOf(u *User, risk RiskContext) auditSubject {
	s := auditSubject{risk: risk}
	if u != nil {
		s.userID = u.ID
		s.email = u.EmailValue()
	}
	return s
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subject auditSubject,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    subject.userID,
		Email:     subject.email,
		SSAID:     subject.risk.SSAID,
		IP:        subject.risk.IP,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, subject auditSubject, err error) {
	e.emitAudit(ctx, auditEventRateLimited, false, subject, err, func() map[string]string {
		metadata := map[string]string{"scope": scope}
		var we *WaitError
		if errors.As(err, &we) {
			metadata["wait_ms"] = strconv.FormatInt(we.WaitMs(), 10)
		}
		return metadata
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrAuthenticationRequired),
		errors.Is(err, ErrMissingClientSession):
		return auditErrUnauthenticated
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrInvalidPassword):
		return auditErrInvalidPassword
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTooManyAttempts):
		return auditErrAttempts
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrNotAllowed):
		return auditErrNotAllowed
	case errors.Is(err, ErrGenerationFailed):
		return auditErrGeneration
	case errors.Is(err, ErrEmailTaken):
		return auditErrDuplicate
	case errors.Is(err, ErrRedisUnavailable),
		errors.Is(err, ErrDatabaseUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
