// Package validation checks a desired stack before anything is sent to the
// control plane. Naming rules belong to the control plane, so stack names are
// only checked for presence; compose content is only checked for presence and
// encoding.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

func isLower(b byte) bool {
	return b >= 'a' && b <= 'z'
}

func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

func isAlpha(b byte) bool {
	return isLower(b) || (b >= 'A' && b <= 'Z')
}

func stackNameProblem(name string) string {
	switch {
	case strings.TrimSpace(name) == "":
		return "stack name must not be empty"
	case !utf8.ValidString(name):
		return "stack name must be valid UTF-8"
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return "stack name must not contain control characters"
	}
	return ""
}

func composeContentProblem(content string) string {
	switch {
	case strings.TrimSpace(content) == "":
		return "compose content must not be empty"
	case !utf8.ValidString(content):
		return "compose content must be valid UTF-8"
	}
	return ""
}

func envNameProblem(name string) string {
	if name == "" {
		return "environment variable name must not be empty"
	}
	if !isAlpha(name[0]) && name[0] != '_' {
		return "environment variable name must start with a letter or underscore"
	}
	for _, b := range []byte(name) {
		if !isAlpha(b) && !isNum(b) && b != '_' {
			return "environment variable names can only contain letters, digits, or underscores"
		}
	}
	return ""
}

// ValidateStackName checks that a stack name is usable as a lookup key.
// Names the control plane refuses come back from it as validation errors.
func ValidateStackName(name string) error {
	if msg := stackNameProblem(name); msg != "" {
		return NewValidationError("name", name, msg)
	}
	return nil
}

// ValidateComposeContent checks that compose content is present and valid UTF-8.
// The content itself is never parsed.
func ValidateComposeContent(content string) error {
	if msg := composeContentProblem(content); msg != "" {
		return NewValidationError("composeContent", "", msg)
	}
	return nil
}

// ValidateEnvName validates a stack environment variable name.
func ValidateEnvName(name string) error {
	if msg := envNameProblem(name); msg != "" {
		return NewValidationError("env", name, msg)
	}
	return nil
}

// ValidateDesiredStack validates everything the deployer is about to send.
// Removal only needs a name; content and env are checked when deploying.
func ValidateDesiredStack(stack domain.DesiredStack, remove bool) error {
	var errs ValidationErrors
	if msg := stackNameProblem(stack.Name); msg != "" {
		errs.Add("name", stack.Name, msg)
	}
	if !remove {
		if msg := composeContentProblem(stack.ComposeContent); msg != "" {
			errs.Add("composeContent", "", msg)
		}
		for _, v := range stack.Env {
			if msg := envNameProblem(v.Name); msg != "" {
				errs.Add("env", v.Name, msg)
			}
		}
	}
	return errs.Err()
}
