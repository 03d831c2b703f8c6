package kernelerrors

import pkgerrors "github.com/pkg/errors"

// Internal wraps an error that indicates an invariant violation inside the
// dispatcher itself (as opposed to an error surfaced verbatim from a
// backing file system) and remaps it to ErrInternalError. Only the
// cause's message text is kept, as the prefix of the returned error's
// message; the original error value is not retained, so errors.Is
// matches ErrInternalError and pkgerrors.Cause returns ErrInternalError.
//
// spec.md §7: "Errors surface to the caller unchanged unless they indicate
// an invariant violation inside the dispatcher, in which case they are
// remapped to InternalError."
func Internal(cause error) error {
	if cause == nil {
		return nil
	}
	return pkgerrors.Wrap(ErrInternalError, cause.Error())
}

// Cause unwraps a pkg/errors-wrapped error down to its root cause. For an
// error built by Internal that root is ErrInternalError itself; the
// original detail survives only in the message text.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}
