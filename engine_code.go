package simpleuser

import (
	"context"
	"errors"
	"net/mail"
	"strings"
)

// SendCode issues a verification code for (email, purpose) and hands it to
// the configured CodeGenerator.
//
// Requests are throttled per (email, purpose) and per client: the client's
// IP and ssaid each hold a cooldown entry for the purpose, so one client
// cannot spray codes across many addresses. A throttled request returns a
// *WaitError matching ErrRateLimited.
func (e *Engine) SendCode(ctx context.Context, email string, purpose CodePurpose, risk RiskContext) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if !purpose.Valid() {
		return ErrInvalidPurpose
	}

	subject := auditSubject{email: email, risk: risk}
	err = e.codes.Issue(ctx, email, string(purpose), codeRiskKeys(purpose, risk)...)
	switch {
	case err == nil:
		e.metricInc(MetricCodeSent)
		e.emitAudit(ctx, auditEventCodeSent, true, subject, nil, purposeMetadata(purpose))
		return nil
	case errors.Is(err, ErrRateLimited):
		e.metricInc(MetricCodeRateLimited)
		e.emitRateLimit(ctx, "send_code", subject, err)
	case errors.Is(err, ErrGenerationFailed):
		e.metricInc(MetricCodeGenerationFailed)
		e.emitAudit(ctx, auditEventCodeSent, false, subject, err, purposeMetadata(purpose))
	}
	return err
}

// VerifyCode checks a code without consuming it, so a client can validate
// user input before submitting the real operation. Wrong codes still count
// towards the lockout.
func (e *Engine) VerifyCode(ctx context.Context, email string, purpose CodePurpose, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if !purpose.Valid() {
		return ErrInvalidPurpose
	}
	return e.verifyCode(ctx, email, purpose, code, false)
}

func (e *Engine) verifyCode(ctx context.Context, email string, purpose CodePurpose, code string, consume bool) error {
	err := e.codes.Verify(ctx, email, string(purpose), code, consume)
	switch {
	case err == nil:
		e.metricInc(MetricCodeVerified)
		return nil
	case errors.Is(err, ErrInvalidCode):
		e.metricInc(MetricCodeInvalid)
		e.emitAudit(ctx, auditEventCodeRejected, false, auditSubject{email: email}, err, purposeMetadata(purpose))
	case errors.Is(err, ErrTooManyAttempts):
		e.metricInc(MetricCodeLocked)
		e.emitRateLimit(ctx, "verify_code", auditSubject{email: email}, err)
	}
	return err
}

func codeRiskKeys(purpose CodePurpose, risk RiskContext) []string {
	keys := make([]string, 0, 2)
	if risk.IP != "" {
		keys = append(keys, "ip:"+risk.IP+":"+string(purpose))
	}
	if risk.SSAID != "" {
		keys = append(keys, "ssaid:"+risk.SSAID+":"+string(purpose))
	}
	return keys
}

func purposeMetadata(purpose CodePurpose) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"purpose": string(purpose)}
	}
}

// normalizeEmail trims surrounding space and rejects anything that is not
// a bare address.
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return email, nil
}
