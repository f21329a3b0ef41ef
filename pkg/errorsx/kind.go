package errorsx

// Kind is the failure class used to pick a recovery policy.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindTransport Kind = "transport"
	KindBackend   Kind = "backend"
	KindTimeout   Kind = "timeout"
	KindFormat    Kind = "format"
)

// WithKind attaches a kind to err unless the chain is already classified.
func WithKind(err error, kind Kind) error {
	return classify(err, "", kind)
}

// KindOf returns the kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	if e := lookup(err, hasKind); e != nil {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transport marks a connection-level failure such as a dropped socket.
func Transport(err error, reason ReasonCode) error {
	return classify(err, reason, KindTransport)
}

// Backend marks a failure reported by a remote service.
func Backend(err error, reason ReasonCode) error {
	return classify(err, reason, KindBackend)
}

// Timeout marks a stage that exceeded its budget.
func Timeout(err error, reason ReasonCode) error {
	return classify(err, reason, KindTimeout)
}

// Format marks malformed input.
func Format(err error, reason ReasonCode) error {
	return classify(err, reason, KindFormat)
}
