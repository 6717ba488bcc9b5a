package userstore

import (
	"database/sql"
	"time"
)

// Patch is a partial update of a user row. Only the fields set on the
// patch are written.
type Patch struct {
	cols []string
	args []any
}

func (p *Patch) set(col string, v any) *Patch {
	for i, c := range p.cols {
		if c == col {
			p.args[i] = v
			return p
		}
	}
	p.cols = append(p.cols, col)
	p.args = append(p.args, v)
	return p
}

// Empty reports whether the patch writes nothing.
func (p *Patch) Empty() bool { return p == nil || len(p.cols) == 0 }

// Email sets or clears the email.
func (p *Patch) Email(email *string) *Patch { return p.set("email", nullString(email)) }

// SSAID sets or clears the client session id.
func (p *Patch) SSAID(ssaid *string) *Patch { return p.set("ssaid", nullString(ssaid)) }

// PasswordHash sets or clears the credential.
func (p *Patch) PasswordHash(hash *string) *Patch { return p.set("password_hash", nullString(hash)) }

// Login stamps the last login.
func (p *Patch) Login(ip string, at time.Time) *Patch {
	return p.set("login_ip", nullString(&ip)).set("login_time", toMillis(at))
}

// Register stamps the registration.
func (p *Patch) Register(ip string, at time.Time) *Patch {
	return p.set("register_ip", nullString(&ip)).set("register_time", toMillis(at))
}

// LastActive stamps the last resolved request.
func (p *Patch) LastActive(ip string, at time.Time) *Patch {
	return p.set("last_active_ip", nullString(&ip)).set("last_active_time", toMillis(at))
}

// UnregisterTime sets or clears the soft-delete stamp.
func (p *Patch) UnregisterTime(at *time.Time) *Patch {
	return p.set("unregister_time", nullMillis(at))
}

// Apply mirrors the patch onto u so callers can keep an in-memory copy in
// sync without reloading.
func (p *Patch) Apply(u *User) {
	if p == nil || u == nil {
		return
	}
	for i, col := range p.cols {
		v := p.args[i]
		switch col {
		case "email":
			u.Email = fromNullString(v)
		case "ssaid":
			u.SSAID = fromNullString(v)
		case "password_hash":
			u.PasswordHash = fromNullString(v)
		case "login_ip":
			u.LoginIP = fromNullString(v)
		case "login_time":
			u.LoginTime = fromNullMillis(v)
		case "register_ip":
			u.RegisterIP = fromNullString(v)
		case "register_time":
			u.RegisterTime = fromNullMillis(v)
		case "last_active_ip":
			u.LastActiveIP = fromNullString(v)
		case "last_active_time":
			u.LastActiveTime = fromNullMillis(v)
		case "unregister_time":
			u.UnregisterTime = fromNullMillis(v)
		}
	}
}

func toMillis(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return toMillis(*t)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v any) *string {
	ns, ok := v.(sql.NullString)
	if !ok || !ns.Valid {
		return nil
	}
	return String(ns.String)
}

func fromNullMillis(v any) *time.Time {
	ni, ok := v.(sql.NullInt64)
	if !ok || !ni.Valid {
		return nil
	}
	return Time(fromMillis(ni.Int64))
}
