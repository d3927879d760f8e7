package executor

import (
	"errors"
	"fmt"

	"kairu-assistant/internal/plan"
)

// ErrorKind classifies action failures.
type ErrorKind string

const (
	KindElementNotFound ErrorKind = "element_not_found"
	KindInputNotFound   ErrorKind = "input_not_found"
	KindUnknownAction   ErrorKind = "unknown_action"
	KindDisallowed      ErrorKind = "disallowed_action"
	KindDriver          ErrorKind = "driver"
)

// ActionError is the failure of a single action.
type ActionError struct {
	Kind   ErrorKind
	Action plan.Action
	Detail string
	Err    error
}

func (e *ActionError) Error() string {
	var msg string
	switch e.Kind {
	case KindElementNotFound:
		msg = fmt.Sprintf("element not found (%s)", e.Detail)
	case KindInputNotFound:
		msg = "input not found: " + e.Detail
	case KindUnknownAction:
		msg = "unknown action: " + e.Detail
	case KindDisallowed:
		msg = "action not enabled: " + e.Detail
	default:
		msg = "action failed"
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsKind reports whether err is an ActionError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.Kind == kind
}

func driverError(action plan.Action, err error) error {
	return &ActionError{Kind: KindDriver, Action: action, Detail: string(action.Kind()), Err: err}
}
