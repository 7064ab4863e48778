package license

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Verification rejections. They are client-facing outcomes, not faults:
// the service answers them and keeps going.
var (
	ErrNotFoundOrInactive = xerrors.New("invalid or inactive license")
	ErrExpired            = xerrors.New("license has expired")
	ErrIPNotAllowed       = xerrors.New("ip address not allowed for this license")
)

// ValidationError reports a malformed request. It is raised before any
// store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsRejection reports whether err is one of the verification rejections.
func IsRejection(err error) bool {
	return xerrors.Is(err, ErrNotFoundOrInactive) ||
		xerrors.Is(err, ErrExpired) ||
		xerrors.Is(err, ErrIPNotAllowed)
}
