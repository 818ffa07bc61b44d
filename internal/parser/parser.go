// Package parser turns stored message bytes into an addressable mail object
// for the rule dispatchers: sender, recipients, subject, headers and a plain
// text body. Attachment decoding is deliberately out of scope.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// ParsedMessage is the decoded view of one stored message.
type ParsedMessage struct {
	From     string
	FromName string
	To       string
	Subject  string
	Headers  map[string]string
	BodyText string
	Size     int64
}

// ParseError describes a failure to decode stored message bytes.
type ParseError struct {
	Stage   string
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s: %s", e.Stage, e.Message)
}

// MessageParser implements message parsing.
type MessageParser struct{}

// NewMessageParser creates a new MessageParser instance.
func NewMessageParser() *MessageParser {
	return &MessageParser{}
}

// Parse parses raw message bytes into a ParsedMessage.
func (p *MessageParser) Parse(raw []byte) (*ParsedMessage, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Stage: "parse", Message: "empty message data"}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Stage: "parse", Message: fmt.Sprintf("failed to parse message: %v", err)}
	}

	headers := make(map[string]string, len(msg.Header))
	for key, values := range msg.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	fromAddress, fromName := p.extractFromHeader(msg.Header.Get("From"))
	subject := p.decodeHeader(msg.Header.Get("Subject"))
	toAddress := p.extractToAddress(msg.Header.Get("To"))

	bodyText, err := p.extractBody(msg)
	if err != nil {
		// Keep the envelope even when the body will not decode.
		bodyText = ""
	}

	return &ParsedMessage{
		From:     fromAddress,
		FromName: fromName,
		To:       toAddress,
		Subject:  subject,
		Headers:  headers,
		BodyText: bodyText,
		Size:     int64(len(raw)),
	}, nil
}

// SafeParse parses raw bytes and never returns an error: on failure it
// returns a minimal ParsedMessage carrying only the size.
func (p *MessageParser) SafeParse(raw []byte) *ParsedMessage {
	parsed, err := p.Parse(raw)
	if err != nil {
		return &ParsedMessage{
			Headers: map[string]string{},
			Size:    int64(len(raw)),
		}
	}
	return parsed
}

// extractFromHeader extracts the address and display name from a From header.
func (p *MessageParser) extractFromHeader(from string) (string, string) {
	if from == "" {
		return "", ""
	}

	addr, err := mail.ParseAddress(from)
	if err != nil {
		// Fall back to the raw header value for non-conforming senders.
		return strings.TrimSpace(from), ""
	}

	return addr.Address, p.decodeHeader(addr.Name)
}

// extractToAddress extracts the first address from a To header.
func (p *MessageParser) extractToAddress(to string) string {
	if to == "" {
		return ""
	}

	addrs, err := mail.ParseAddressList(to)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(to)
	}

	return addrs[0].Address
}

// decodeHeader decodes RFC 2047 encoded-words in a header value.
func (p *MessageParser) decodeHeader(value string) string {
	if value == "" {
		return ""
	}

	decoder := &mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// extractBody returns the plain text body. For multipart messages the first
// text/plain part wins; a lone text/html part is returned verbatim.
func (p *MessageParser) extractBody(msg *mail.Message) (string, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return "", readErr
		}
		return string(body), nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return p.extractMultipartBody(msg.Body, params["boundary"])
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extractMultipartBody walks multipart parts looking for text/plain.
func (p *MessageParser) extractMultipartBody(body io.Reader, boundary string) (string, error) {
	if boundary == "" {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	var htmlFallback string
	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			continue
		}

		switch {
		case partType == "text/plain":
			data, err := io.ReadAll(part)
			if err != nil {
				continue
			}
			return string(data), nil
		case partType == "text/html" && htmlFallback == "":
			data, err := io.ReadAll(part)
			if err == nil {
				htmlFallback = string(data)
			}
		}
	}

	return htmlFallback, nil
}
