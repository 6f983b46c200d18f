package push

import (
	"errors"
	"fmt"
)

// Consumer errors. All of them are caller-facing: the partner's notification
// history records the message and their operators retry from there. Nothing
// in this package retries on its own.
var (
	ErrMissingField     = errors.New("missing field")
	ErrEmptyField       = errors.New("empty field")
	ErrLabNotFound      = errors.New("laboratory not found")
	ErrLabInactive      = errors.New("laboratory not active")
	ErrLabNotAuthorized = errors.New("laboratory not authorized for role")
	ErrUnsupportedType  = errors.New("unsupported portal type")
)

func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

func emptyField(name string) error {
	return fmt.Errorf("%w: %s", ErrEmptyField, name)
}
