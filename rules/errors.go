package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuleNotFound is returned when a rule does not exist or was deleted.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleExists is returned when adding a rule whose ID is taken.
	ErrRuleExists = errors.New("rule already exists")
)

// Issue is one problem found in an authored rule.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError reports every problem found in an authored rule. It is
// only produced at authoring time, never while running a workflow.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("invalid rule: %s", strings.Join(parts, "; "))
}

func (e *ValidationError) add(path, msg string) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

func invalid(path, msg string) *ValidationError {
	return &ValidationError{Issues: []Issue{{Path: path, Message: msg}}}
}

// IsValidationError reports whether err carries rule validation issues.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
