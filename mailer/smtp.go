package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/internal"
	"github.com/purerosefallen/simpleuser/internal/logging"
	"gopkg.in/gomail.v2"
)

const defaultDigits = 6

// Sender delivers messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig configures NewSMTPCodeSender.
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
	// Digits is the code length, 4 to 10. Zero means 6.
	Digits int `env:"DIGITS"`
}

var subjects = map[simpleuser.CodePurpose]string{
	simpleuser.PurposeLogin:         "Your sign-in code",
	simpleuser.PurposeResetPassword: "Reset your password",
	simpleuser.PurposeChangeEmail:   "Confirm your new email address",
	simpleuser.PurposeUnregister:    "Confirm account deletion",
}

var bodyTemplate = template.Must(template.New("code").Parse(`<p>{{.Intro}}</p>
<p style="font-size:24px;letter-spacing:4px"><b>{{.Code}}</b></p>
<p>If you did not request this code you can ignore this message.</p>
`))

// SMTPCodeSender generates codes and mails them.
type SMTPCodeSender struct {
	sender Sender
	from   string
	digits int
	log    logging.Logger
}

// NewSMTPCodeSender dials cfg.Host for every message.
func NewSMTPCodeSender(cfg SMTPConfig, log *slog.Logger) (*SMTPCodeSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host required")
	}
	return NewCodeSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, cfg.Digits, log)
}

// NewCodeSender builds a generator over an arbitrary Sender.
func NewCodeSender(sender Sender, from string, digits int, log *slog.Logger) (*SMTPCodeSender, error) {
	if sender == nil {
		return nil, errors.New("sender required")
	}
	if from == "" {
		return nil, errors.New("from address required")
	}
	if digits == 0 {
		digits = defaultDigits
	}
	if digits < 4 || digits > 10 {
		return nil, fmt.Errorf("code digits must be between 4 and 10, got %d", digits)
	}
	return &SMTPCodeSender{
		sender: sender,
		from:   from,
		digits: digits,
		log:    logging.NewSlogLogger(log).With("component", "mailer"),
	}, nil
}

// Generate draws a code, mails it to email and returns it.
func (s *SMTPCodeSender) Generate(ctx context.Context, email string, purpose simpleuser.CodePurpose) (string, error) {
	code, err := internal.NewOTP(s.digits)
	if err != nil {
		return "", err
	}

	m, err := s.message(email, purpose, code)
	if err != nil {
		return "", err
	}
	if err := s.sender.DialAndSend(m); err != nil {
		return "", fmt.Errorf("send code mail: %w", err)
	}

	s.log.Info(ctx, "code mail sent", "email", email, "purpose", string(purpose))
	return code, nil
}

func (s *SMTPCodeSender) message(to string, purpose simpleuser.CodePurpose, code string) (*gomail.Message, error) {
	subject, ok := subjects[purpose]
	if !ok {
		subject = "Your verification code"
	}

	var body bytes.Buffer
	err := bodyTemplate.Execute(&body, struct {
		Intro string
		Code  string
	}{Intro: subject + ":", Code: code})
	if err != nil {
		return nil, fmt.Errorf("render code mail: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())
	return m, nil
}
