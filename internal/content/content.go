package content

import (
	"errors"
	"fmt"
	"html"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxBodyLength caps a text message, in characters.
const MaxBodyLength = 4000

var (
	ErrEmptyBody   = errors.New("message cannot be empty")
	ErrBodyTooLong = fmt.Errorf("message longer than %d characters", MaxBodyLength)
)

var (
	policy = bluemonday.UGCPolicy()
	strict = bluemonday.StrictPolicy()
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Plain strips every tag and returns text fit for a terminal.
func Plain(input string) string {
	return html.UnescapeString(strict.Sanitize(input))
}

// Truncate shortens s to at most n characters, marking the cut with "...".
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}

// ValidateBody checks a text message before it is sent.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	return nil
}
