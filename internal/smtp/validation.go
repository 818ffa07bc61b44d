package smtp

import (
	"regexp"
	"strings"
)

// Basic RFC 5321 address shape.
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateEmailAddress validates an email address format according to
// RFC 5321 length limits plus a basic shape check.
func ValidateEmailAddress(email string) bool {
	if email == "" {
		return false
	}

	// RFC 5321: total 320, local part 64, domain 255.
	if len(email) > 320 {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}

	localPart := parts[0]
	domain := parts[1]

	if localPart == "" || len(localPart) > 64 {
		return false
	}
	if domain == "" || len(domain) > 255 {
		return false
	}

	return emailRegex.MatchString(email)
}

// extractPathAddress pulls the address out of a MAIL FROM / RCPT TO
// argument: the part between '<' and '>', or the bare address when the
// angle brackets are omitted. Trailing ESMTP parameters (SIZE=...) after
// the path are tolerated and discarded.
func extractPathAddress(args, prefix string) (string, error) {
	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		return "", &SMTPError{Code: CodeSyntaxErrorParams, Message: "missing " + strings.TrimSuffix(prefix, ":") + " in path"}
	}

	rest := strings.TrimSpace(args[len(prefix):])

	var address string
	if start := strings.Index(rest, "<"); start != -1 {
		end := strings.Index(rest[start:], ">")
		if end == -1 {
			return "", &SMTPError{Code: CodeSyntaxErrorParams, Message: "unterminated angle bracket in path"}
		}
		address = rest[start+1 : start+end]
	} else {
		// Bare address; anything after whitespace is a parameter.
		address = rest
		if idx := strings.IndexAny(address, " \t"); idx != -1 {
			address = address[:idx]
		}
	}

	address = strings.TrimSpace(address)
	if address != "" && !ValidateEmailAddress(address) {
		return "", &SMTPError{Code: CodeSyntaxErrorParams, Message: "malformed address"}
	}

	return address, nil
}
