// Package mailer provides simpleuser.CodeGenerator implementations.
//
// SMTPCodeSender draws a numeric code and mails it through gomail.
// FixedCode always returns the same code and only logs it; it is meant for
// development and tests.
package mailer
