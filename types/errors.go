package types

import "errors"

// Error taxonomy. Wrap with errors.Join or %w and classify with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrLocked     = errors.New("refset is locked by a running job")
	ErrConflict   = errors.New("conflict")
	ErrBusy       = errors.New("job queue is full")
	ErrInternal   = errors.New("internal error")
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindLocked
	KindConflict
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindLocked:
		return "locked"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	default:
		return "internal"
	}
}

// Classify maps an error onto the taxonomy. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrLocked):
		return KindLocked
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrBusy):
		return KindBusy
	default:
		return KindInternal
	}
}

// PublicMessage is safe to hand back to a caller. Internal details are dropped.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if Classify(err) == KindInternal {
		return ErrInternal.Error()
	}
	return err.Error()
}
