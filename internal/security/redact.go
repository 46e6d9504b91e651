// Package security keeps credentials out of logs, errors and printed
// configuration.
package security

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// sensitivePatterns match credentials embedded in free text. The third
// capture group is the secret.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|signature|access[_-]?token|bot[_-]?token|x-mbx-apikey|password)([=:]\s*["']?)([^\s"'&]+)`),
	// Telegram bot tokens in request paths: /bot<id>:<secret>/
	regexp.MustCompile(`(/bot)(\d+:)([A-Za-z0-9_*-]+)`),
}

// MaskCredential shows only the edges of a credential.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Redact masks every credential pattern found in input.
func Redact(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			m := pattern.FindStringSubmatch(match)
			return m[1] + m[2] + MaskCredential(m[3])
		})
	}
	return result
}

// ContainsSensitiveData reports whether input carries an unmasked credential.
func ContainsSensitiveData(input string) bool {
	return Redact(input) != input
}

// StripURL removes the request URL from a transport error. Signed exchange
// queries and bot API paths both embed secrets in the URL.
func StripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// RedactError returns err with its URL stripped and any remaining
// credential patterns masked in the message. The original error stays
// reachable through errors.Is and errors.As.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	stripped := StripURL(err)
	msg := Redact(stripped.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
