package errorsx

import "errors"

// Error is a classified failure. Reason names the operation that failed and
// Kind names the recovery class. Either may be empty on a given link; lookups
// walk the chain until they find a link that sets the field they want.
type Error struct {
	Err    error
	Reason ReasonCode
	Kind   Kind
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Reason != "":
		return string(e.Reason)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// lookup returns the outermost *Error in err's chain for which match holds.
func lookup(err error, match func(*Error) bool) *Error {
	var e *Error
	for errors.As(err, &e) {
		if match(e) {
			return e
		}
		err = e.Err
	}
	return nil
}

func hasReason(e *Error) bool { return e.Reason != "" }
func hasKind(e *Error) bool   { return e.Kind != "" }

// classify tags err with whichever of reason and kind the chain lacks. The
// innermost tag wins, so re-classifying an error never overwrites it.
func classify(err error, reason ReasonCode, kind Kind) error {
	if err == nil {
		return nil
	}
	tag := &Error{Err: err}
	if reason != "" && lookup(err, hasReason) == nil {
		tag.Reason = reason
	}
	if kind != "" && lookup(err, hasKind) == nil {
		tag.Kind = kind
	}
	if tag.Reason == "" && tag.Kind == "" {
		return err
	}
	return tag
}

// Wrap attaches a reason code. Nil errors and errors that already carry a
// reason come back unchanged.
func Wrap(err error, reason ReasonCode) error {
	return classify(err, reason, "")
}

// Reason returns the innermost-assigned reason code, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if e := lookup(err, hasReason); e != nil {
		return e.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
