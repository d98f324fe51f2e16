package chat

// ErrorKind classifies stream failures for subscribers. These are kinds, not
// Go error types: they ride on events and message metadata.
type ErrorKind string

const (
	ErrUnknown            ErrorKind = "unknown"
	ErrContextExceeded    ErrorKind = "context_exceeded"
	ErrOAuthNotConnected  ErrorKind = "oauth_not_connected"
	ErrRuntimeNotReady    ErrorKind = "runtime_not_ready"
	ErrRuntimeStartFailed ErrorKind = "runtime_start_failed"
	ErrPolicyDenied       ErrorKind = "policy_denied"
	ErrAbort              ErrorKind = "abort"
)

// CodedError attaches an ErrorKind to an underlying error so callers can
// classify failures without string matching.
type CodedError struct {
	Kind ErrorKind
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error chain, defaulting to unknown.
func KindOf(err error) ErrorKind {
	for err != nil {
		if ce, ok := err.(*CodedError); ok {
			return ce.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ErrUnknown
		}
		err = u.Unwrap()
	}
	return ErrUnknown
}
