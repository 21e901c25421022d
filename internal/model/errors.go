package model

import (
	"errors"
	"fmt"
)

// Error categories. Callers match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrCapacityShortfall = errors.New("insufficient market liquidity")
	ErrOracleFailure     = errors.New("oracle failure")
	ErrAlreadySettled    = errors.New("position already settled")
	ErrNotYetExpired     = errors.New("position not yet expired")
	ErrWindowClosed      = errors.New("settlement window closed")
	ErrSwapFailure       = errors.New("swap routes exhausted")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized caller")
	ErrReentrant         = errors.New("reentrant call")
	ErrZeroBalance       = errors.New("holder has no balance")
)

// Validation failures.
var (
	ErrUnsupportedAsset  = fmt.Errorf("%w: unsupported asset", ErrValidation)
	ErrSizeOutOfBounds   = fmt.Errorf("%w: size out of bounds", ErrValidation)
	ErrInvalidDirection  = fmt.Errorf("%w: invalid direction", ErrValidation)
	ErrInvalidStrike     = fmt.Errorf("%w: invalid strike", ErrValidation)
	ErrExpiryOutOfBounds = fmt.Errorf("%w: expiry out of bounds", ErrValidation)
	ErrBatchLength       = fmt.Errorf("%w: batch array lengths differ", ErrValidation)
)

// Rejection is an admission decision carrying the reason a caller can act
// on. It matches ErrAdmissionRejected and, when Kind is set, Kind as well.
type Rejection struct {
	Reason string
	Kind   error
}

// Reject builds an admission rejection with a formatted reason.
func Reject(format string, args ...any) *Rejection {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	return "admission rejected: " + r.Reason
}

func (r *Rejection) Is(target error) bool {
	if target == ErrAdmissionRejected {
		return true
	}
	return r.Kind != nil && errors.Is(r.Kind, target)
}

// Reason extracts a human-readable reason from any error in the taxonomy.
func Reason(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
