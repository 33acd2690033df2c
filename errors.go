package eventbus

import (
	"errors"

	"github.com/camtittle/photosharing-eventbus/message"
)

// ErrValidation is matched by every request rejected before any side
// effect.
var ErrValidation = message.ErrInvalid

// ValidationError describes a rejected request. It unwraps to
// ErrValidation and to the per-field errors.
type ValidationError = message.ValidationError

// Bus errors
var (
	ErrInvokerRequired = errors.New("invoker is required")
	ErrNoDeadLetters   = errors.New("no dead-letter manager configured")
)

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
