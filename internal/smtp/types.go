package smtp

import (
	"fmt"
	"time"
)

// Config holds SMTP server configuration.
type Config struct {
	Hostname          string
	MaxMessageSize    int64
	MaxRecipients     int
	ConnectionTimeout time.Duration
}

// DefaultConfig returns the default SMTP configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:          "mailbarrel.local",
		MaxMessageSize:    25 * 1024 * 1024,
		MaxRecipients:     100,
		ConnectionTimeout: 5 * time.Minute,
	}
}

// Phase is the position of a session inside the SMTP transaction.
type Phase int

const (
	// PhaseConnect is the state right after the 220 greeting.
	PhaseConnect Phase = iota
	// PhaseHello follows an accepted HELO/EHLO.
	PhaseHello
	// PhaseMail follows an accepted MAIL FROM.
	PhaseMail
	// PhaseRecipients holds while RCPT TO lines accumulate.
	PhaseRecipients
	// PhaseData is entered once a DATA body has been fully received.
	PhaseData
)

// String renders the phase for logs.
func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseHello:
		return "hello"
	case PhaseMail:
		return "mail"
	case PhaseRecipients:
		return "recipients"
	case PhaseData:
		return "data"
	default:
		return "unknown"
	}
}

// SMTP reply codes.
const (
	CodeServiceReady      = 220
	CodeServiceClosing    = 221
	CodeOK                = 250
	CodeCannotVerify      = 252
	CodeStartMailInput    = 354
	CodeUnrecognized      = 500
	CodeSyntaxErrorParams = 501
	CodeNotImplemented    = 502
	CodeBadSequence       = 503
	CodeMessageTooLarge   = 552
)

// SMTPError is a protocol failure carrying the reply code to send.
type SMTPError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *SMTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Replies maps reply codes to their standard text.
var Replies = map[int]string{
	CodeServiceReady:      "ESMTP",
	CodeServiceClosing:    "Bye",
	CodeOK:                "OK",
	CodeCannotVerify:      "Cannot VRFY user, but will accept message and attempt delivery",
	CodeStartMailInput:    "Start mail input; end with <CRLF>.<CRLF>",
	CodeUnrecognized:      "Command not recognized",
	CodeSyntaxErrorParams: "Syntax error in parameters",
	CodeNotImplemented:    "Command not implemented",
	CodeBadSequence:       "Bad sequence of commands",
	CodeMessageTooLarge:   "Message too large",
}
