package userstore

import "time"

// User is one row of the users table.
//
// A user is anonymous while Email is nil; it is then identified by SSAID.
// Registration sets Email and clears SSAID. A non-nil UnregisterTime marks
// a soft-deleted account that can be recovered until its grace period ends.
type User struct {
	ID             int64
	Email          *string
	SSAID          *string
	PasswordHash   *string
	LoginIP        *string
	LoginTime      *time.Time
	RegisterIP     *string
	RegisterTime   *time.Time
	LastActiveIP   *string
	LastActiveTime *time.Time
	UnregisterTime *time.Time
}

// IsAnonymous reports whether the user has no email yet.
func (u *User) IsAnonymous() bool {
	return u.Email == nil || *u.Email == ""
}

// EmailValue returns the email or "".
func (u *User) EmailValue() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// PasswordSet reports whether a password credential exists.
func (u *User) PasswordSet() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Expired reports whether the user was unregistered more than grace ago.
// Expired users are treated as absent everywhere.
func (u *User) Expired(now time.Time, grace time.Duration) bool {
	if u.UnregisterTime == nil {
		return false
	}
	return now.Sub(*u.UnregisterTime) > grace
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Email = cloneString(u.Email)
	c.SSAID = cloneString(u.SSAID)
	c.PasswordHash = cloneString(u.PasswordHash)
	c.LoginIP = cloneString(u.LoginIP)
	c.RegisterIP = cloneString(u.RegisterIP)
	c.LastActiveIP = cloneString(u.LastActiveIP)
	c.LoginTime = cloneTime(u.LoginTime)
	c.RegisterTime = cloneTime(u.RegisterTime)
	c.LastActiveTime = cloneTime(u.LastActiveTime)
	c.UnregisterTime = cloneTime(u.UnregisterTime)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
