package mailer

import (
	"context"
	"log/slog"

	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/internal/logging"
)

// FixedCode hands out the same code for every request.
type FixedCode struct {
	code string
	log  logging.Logger
}

// NewFixedCode returns a generator that always yields code.
func NewFixedCode(code string, log *slog.Logger) *FixedCode {
	return &FixedCode{code: code, log: logging.NewSlogLogger(log).With("component", "mailer")}
}

func (f *FixedCode) Generate(ctx context.Context, email string, purpose simpleuser.CodePurpose) (string, error) {
	f.log.Info(ctx, "generating fixed code", "email", email, "purpose", string(purpose))
	return f.code, nil
}
