// Package validate holds the pure admission-input validators and the
// language-support lookup. Validation failures name the offending
// field and never echo raw input.
package validate

import (
	"errors"
	"regexp"
)

// FieldError marks caller-fault input. The message carries only the
// field name.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return "invalid " + e.Field
}

// AsFieldError extracts a FieldError if err is one.
func AsFieldError(err error) (*FieldError, bool) {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

var (
	languageRe = regexp.MustCompile(`^[a-z]{2}$`)
	// adjective-noun-NNN, each word alphanumeric starting with a
	// letter, number 100-999.
	sessionIDRe = regexp.MustCompile(`^[a-z][a-z0-9]*-[a-z][a-z0-9]*-[1-9][0-9]{2}$`)
)

// Language checks an ISO-639-1 code: exactly two lowercase ASCII
// letters. The field name distinguishes sourceLanguage from
// targetLanguage in errors.
func Language(field, value string) error {
	if !languageRe.MatchString(value) {
		return &FieldError{Field: field}
	}
	return nil
}

// SessionID checks the canonical session-ID shape, capped at 48
// characters.
func SessionID(value string) error {
	if len(value) > 48 || !sessionIDRe.MatchString(value) {
		return &FieldError{Field: "sessionId"}
	}
	return nil
}

// QualityTier checks membership in the supported tiers.
func QualityTier(value string) error {
	switch value {
	case "standard", "premium":
		return nil
	}
	return &FieldError{Field: "qualityTier"}
}

// Action checks the admission action name.
func Action(value string) error {
	switch value {
	case "createSession", "joinSession", "refreshConnection", "heartbeat":
		return nil
	}
	return &FieldError{Field: "action"}
}
