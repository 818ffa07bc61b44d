package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/metrics"
)

// maxLineLength bounds a single buffered protocol line. RFC 5321 allows 512
// octets for a command line; text lines in DATA may reach 1000. A client
// pushing past this is broken or hostile and the session is aborted.
const maxLineLength = 2000

// ReceivedDataHandler consumes a finished message. The session only ever
// hands bytes and recipients through this boundary; persistence and rule
// dispatch live behind it.
type ReceivedDataHandler interface {
	HandleReceived(ctx context.Context, data []byte, recipients []string) error
}

// Session drives one SMTP connection through the protocol phases. Input is
// consumed line by line except during DATA body capture.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	config  *Config
	handler ReceivedDataHandler
	logger  *slog.Logger

	phase      Phase
	helloName  string
	sender     string
	recipients []string
}

// NewSession creates a session for an accepted connection.
func NewSession(conn net.Conn, config *Config, handler ReceivedDataHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, maxLineLength),
		writer:  bufio.NewWriter(conn),
		config:  config,
		handler: handler,
		logger:  logger,
		phase:   PhaseConnect,
	}
}

// Run processes the session until QUIT, disconnect or an unrecoverable
// stream error. The connection is closed on return.
func (s *Session) Run() {
	defer s.conn.Close()

	s.reply(CodeServiceReady, fmt.Sprintf("%s %s", s.config.Hostname, Replies[CodeServiceReady]))

	for {
		s.conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout))

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("session read failed", slog.String("error", err.Error()))
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, args := parseCommand(line)
		if s.handleCommand(cmd, args) {
			return
		}
	}
}

// readLine reads one CRLF-terminated line, aborting on lines that exceed
// the buffered maximum. ReadSlice is used rather than ReadString because
// ReadString grows past the buffer instead of reporting ErrBufferFull.
func (s *Session) readLine() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", fmt.Errorf("line exceeds %d bytes", maxLineLength)
	}
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// parseCommand splits an SMTP command line into verb and argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	args := ""
	if len(parts) > 1 {
		args = parts[1]
	}
	return cmd, args
}

// handleCommand dispatches one command. Returns true when the session
// should terminate.
func (s *Session) handleCommand(cmd, args string) bool {
	switch cmd {
	case "HELO", "EHLO":
		s.handleHello(cmd, args)
	case "MAIL":
		s.handleMail(args)
	case "RCPT":
		s.handleRcpt(args)
	case "DATA":
		return s.handleData()
	case "RSET":
		s.handleRset()
	case "NOOP":
		s.reply(CodeOK, Replies[CodeOK])
	case "VRFY":
		s.reply(CodeCannotVerify, Replies[CodeCannotVerify])
	case "EXPN":
		s.replyError(CodeNotImplemented, Replies[CodeNotImplemented])
	case "QUIT":
		s.reply(CodeServiceClosing, Replies[CodeServiceClosing])
		return true
	default:
		s.replyError(CodeUnrecognized, Replies[CodeUnrecognized])
	}
	return false
}

// handleHello accepts HELO/EHLO, records the client name and resets any
// in-flight transaction.
func (s *Session) handleHello(cmd, domain string) {
	s.helloName = strings.TrimSpace(domain)
	s.resetTransaction()
	s.phase = PhaseHello

	if cmd == "HELO" {
		s.reply(CodeOK, s.config.Hostname)
		return
	}

	// EHLO gets the multi-line capability listing.
	s.replyMultiline(CodeOK, s.config.Hostname)
	s.replyMultiline(CodeOK, fmt.Sprintf("SIZE %d", s.config.MaxMessageSize))
	s.reply(CodeOK, "8BITMIME")
}

// handleMail accepts MAIL FROM and opens a new transaction.
func (s *Session) handleMail(args string) {
	if s.phase == PhaseConnect {
		s.replyError(CodeBadSequence, Replies[CodeBadSequence])
		return
	}
	if s.phase == PhaseMail || s.phase == PhaseRecipients {
		s.replyError(CodeBadSequence, Replies[CodeBadSequence])
		return
	}

	address, err := extractPathAddress(args, "FROM:")
	if err != nil {
		s.replyProtocolError(err)
		return
	}

	s.sender = address
	s.phase = PhaseMail
	s.reply(CodeOK, Replies[CodeOK])
}

// handleRcpt accepts RCPT TO. Repeated identical recipients are preserved
// in issue order; clients may legitimately repeat them.
func (s *Session) handleRcpt(args string) {
	if s.phase != PhaseMail && s.phase != PhaseRecipients {
		s.replyError(CodeBadSequence, Replies[CodeBadSequence])
		return
	}

	if s.config.MaxRecipients > 0 && len(s.recipients) >= s.config.MaxRecipients {
		s.replyError(CodeBadSequence, "Too many recipients")
		return
	}

	address, err := extractPathAddress(args, "TO:")
	if err != nil {
		s.replyProtocolError(err)
		return
	}
	if address == "" {
		s.replyError(CodeSyntaxErrorParams, Replies[CodeSyntaxErrorParams])
		return
	}

	s.recipients = append(s.recipients, address)
	s.phase = PhaseRecipients
	s.reply(CodeOK, Replies[CodeOK])
}

// handleData runs the DATA body capture. Returns true when the session
// must terminate because the stream went bad mid-body.
func (s *Session) handleData() bool {
	if s.phase != PhaseRecipients || len(s.recipients) == 0 {
		s.replyError(CodeBadSequence, Replies[CodeBadSequence])
		return false
	}

	s.reply(CodeStartMailInput, Replies[CodeStartMailInput])

	data, err := s.readBody()
	if err != nil {
		if err == errMessageTooLarge {
			s.replyError(CodeMessageTooLarge, Replies[CodeMessageTooLarge])
			s.resetTransaction()
			s.phase = PhaseHello
			return false
		}
		// Stream error mid-body: no partial message ever leaves the session.
		s.logger.Debug("data capture aborted", slog.String("error", err.Error()))
		return true
	}

	recipients := make([]string, len(s.recipients))
	copy(recipients, s.recipients)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler.HandleReceived(ctx, data, recipients); err != nil {
		// Capture-side durability is best effort: the bytes were fully
		// received, so the client still gets its acknowledgement.
		s.logger.Warn("received-data handler failed", slog.String("error", err.Error()))
	}

	s.phase = PhaseData
	s.reply(CodeOK, "OK: queued")

	// Ready for another MAIL FROM on the same connection.
	s.resetTransaction()
	s.phase = PhaseHello
	return false
}

var errMessageTooLarge = fmt.Errorf("message exceeds maximum size")

// readBody consumes DATA lines until the lone-dot terminator, unstuffing
// escaped leading dots per RFC 5321 section 4.5.2 and normalizing line
// endings to CRLF.
func (s *Session) readBody() ([]byte, error) {
	var buf bytes.Buffer

	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// A lone dot ends the body and is not part of the message.
		if line == "." {
			break
		}

		// Unstuff the sender-doubled leading dot.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")

		if s.config.MaxMessageSize > 0 && int64(buf.Len()) > s.config.MaxMessageSize {
			// Keep consuming until the terminator so the reply lands on a
			// command boundary.
			if err := s.drainBody(); err != nil {
				return nil, err
			}
			return nil, errMessageTooLarge
		}
	}

	return buf.Bytes(), nil
}

// drainBody discards the remainder of an oversized DATA body.
func (s *Session) drainBody() error {
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return nil
		}
	}
}

// handleRset clears the transaction and returns to the post-hello state.
func (s *Session) handleRset() {
	s.resetTransaction()
	if s.phase != PhaseConnect {
		s.phase = PhaseHello
	}
	s.reply(CodeOK, Replies[CodeOK])
}

// resetTransaction drops sender, recipients and any buffered body.
func (s *Session) resetTransaction() {
	s.sender = ""
	s.recipients = nil
}

// Phase exposes the current protocol phase for tests and diagnostics.
func (s *Session) Phase() Phase {
	return s.phase
}

// Sender returns the accepted reverse-path address.
func (s *Session) Sender() string {
	return s.sender
}

// Recipients returns the accumulated forward-path addresses in issue order.
func (s *Session) Recipients() []string {
	return s.recipients
}

// HelloName returns the client name from HELO/EHLO.
func (s *Session) HelloName() string {
	return s.helloName
}

func (s *Session) reply(code int, message string) {
	s.writer.WriteString(strconv.Itoa(code) + " " + message + "\r\n")
	s.writer.Flush()
}

func (s *Session) replyMultiline(code int, message string) {
	s.writer.WriteString(strconv.Itoa(code) + "-" + message + "\r\n")
	s.writer.Flush()
}

func (s *Session) replyError(code int, message string) {
	metrics.SMTPCommandErrors.WithLabelValues(strconv.Itoa(code)).Inc()
	s.reply(code, message)
}

// replyProtocolError replies with the code carried by a typed protocol
// error, falling back to 501 for anything else.
func (s *Session) replyProtocolError(err error) {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		s.replyError(smtpErr.Code, smtpErr.Message)
		return
	}
	s.replyError(CodeSyntaxErrorParams, Replies[CodeSyntaxErrorParams])
}
