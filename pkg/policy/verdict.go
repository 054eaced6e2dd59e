package policy

// Action is the outcome of classifying one intercepted request.
type Action int

const (
	// ActionPassThrough forwards the request unmodified.
	ActionPassThrough Action = iota
	// ActionBlock aborts the connection; the request is not mutated.
	ActionBlock
	// ActionRedirect means the request was rewritten in place to the
	// redirect target and tagged with its original identity.
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionPassThrough:
		return "pass"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	}
	return "unknown"
}

// Verdict describes what Decide did with a request.
type Verdict struct {
	Action Action
	Reason string

	// OriginalHost and OriginalURL are captured before any mutation.
	OriginalHost string
	OriginalURL  string

	// Set only for ActionRedirect.
	RedirectTo string
	Cookie     string
}

// Terminate reports whether the proxy must abort the connection.
func (v *Verdict) Terminate() bool {
	return v != nil && v.Action == ActionBlock
}
