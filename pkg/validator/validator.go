package validator

import (
	"regexp"
	"strings"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

var handleRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Field limits match the records already in the store, written by the
// original client: short minimums, handle restricted to plain alphanumerics.
const (
	MinNameLen   = 2
	MinHandleLen = 3
	MinSecretLen = 3
	MaxNameLen   = 100
	MaxHandleLen = 50
	MaxBioLen    = 500
)

func ValidateRegister(name, handle, secret string) ValidationErrors {
	errs := make(ValidationErrors)

	name = strings.TrimSpace(name)
	if name == "" {
		errs.Add("name", "Name is required")
	} else if len(name) < MinNameLen {
		errs.Add("name", "Name must be at least 2 characters")
	} else if len(name) > MaxNameLen {
		errs.Add("name", "Name is too long")
	}

	validateHandle(handle, errs)

	if secret == "" {
		errs.Add("secret", "Password is required")
	} else if len(secret) < MinSecretLen {
		errs.Add("secret", "Password must be at least 3 characters")
	}

	return errs
}

func ValidateLogin(handle, secret string) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(handle) == "" {
		errs.Add("handle", "Username is required")
	}
	if secret == "" {
		errs.Add("secret", "Password is required")
	}

	return errs
}

// ValidateHandle is the standalone check used when an existing account
// changes its handle.
func ValidateHandle(handle string) ValidationErrors {
	errs := make(ValidationErrors)
	validateHandle(handle, errs)
	return errs
}

func ValidateProfile(bio string) ValidationErrors {
	errs := make(ValidationErrors)
	if len(bio) > MaxBioLen {
		errs.Add("bio", "Bio is too long")
	}
	return errs
}

func validateHandle(handle string, errs ValidationErrors) {
	handle = strings.TrimSpace(handle)
	switch {
	case handle == "":
		errs.Add("handle", "Username is required")
	case len(handle) < MinHandleLen:
		errs.Add("handle", "Username must be at least 3 characters")
	case len(handle) > MaxHandleLen:
		errs.Add("handle", "Username is too long")
	case !handleRegex.MatchString(handle):
		errs.Add("handle", "Username can only contain letters and numbers")
	}
}
