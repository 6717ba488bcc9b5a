package simpleuser

import (
	"context"
	"time"

	"github.com/purerosefallen/simpleuser/userstore"
)

// User is a row of the users table.
type User = userstore.User

// CodePurpose scopes a verification code. A code issued for one purpose
// never verifies for another.
type CodePurpose string

const (
	// PurposeLogin proves email ownership for login and registration.
	PurposeLogin CodePurpose = "Login"
	// PurposeResetPassword authorizes a password reset.
	PurposeResetPassword CodePurpose = "ResetPassword"
	// PurposeChangeEmail proves ownership of the new address.
	PurposeChangeEmail CodePurpose = "ChangeEmail"
	// PurposeUnregister authorizes unregistering by email.
	PurposeUnregister CodePurpose = "Unregister"
)

// CodePurposes lists every purpose in a stable order.
var CodePurposes = []CodePurpose{PurposeLogin, PurposeResetPassword, PurposeChangeEmail, PurposeUnregister}

// ParseCodePurpose accepts the exact purpose name.
func ParseCodePurpose(s string) (CodePurpose, error) {
	for _, p := range CodePurposes {
		if string(p) == s {
			return p, nil
		}
	}
	return "", ErrInvalidPurpose
}

// Valid reports whether p is a known purpose.
func (p CodePurpose) Valid() bool {
	_, err := ParseCodePurpose(string(p))
	return err == nil
}

// CodeGenerator produces a code and delivers it to email. It is called
// at most once per accepted SendCode; a failure is logged and surfaced as
// ErrGenerationFailed.
type CodeGenerator interface {
	Generate(ctx context.Context, email string, purpose CodePurpose) (string, error)
}

// CodeGeneratorFunc adapts a function to CodeGenerator.
type CodeGeneratorFunc func(ctx context.Context, email string, purpose CodePurpose) (string, error)

// Generate calls f.
func (f CodeGeneratorFunc) Generate(ctx context.Context, email string, purpose CodePurpose) (string, error) {
	return f(ctx, email, purpose)
}

// LoginRequest carries the credentials of Login. Exactly one of Code and
// Password is used; Code wins when both are set. SetPassword is only
// honoured when the login registers a new account.
type LoginRequest struct {
	Email       string
	Code        string
	Password    string
	SetPassword string
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token          string
	TokenExpiresAt time.Time
	UserID         int64
}

// InitialUser is a bootstrap account applied by SeedInitialUsers.
type InitialUser struct {
	Email    string
	Password string
}

// Hooks are optional extension points. A non-nil error aborts the
// surrounding operation.
type Hooks struct {
	// AfterResolve runs for every resolved user and may replace it.
	AfterResolve func(ctx context.Context, u *User) (*User, error)
	// OnMigrate runs when an anonymous client logs into an existing
	// account, so application data can be moved from anonymous to target.
	OnMigrate func(ctx context.Context, anonymous, target *User) error
	// OnUnregister runs inside the unregister transaction; tx is the open
	// transaction. An error rolls the unregister back.
	OnUnregister func(ctx context.Context, u *User, tx userstore.DBTX) error
}
