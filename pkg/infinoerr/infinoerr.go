// Package infinoerr defines the error taxonomy shared across the collaborative
// editing engine. Each kind maps to one of the propagation policies in
// spec.md §7: transport, authentication, protocol, authorization, semantics,
// and resource errors are handled differently by the session and server
// layers, so callers use errors.Is against these sentinels rather than
// inspecting strings.
package infinoerr

import "errors"

// Kind identifies which propagation policy an error follows.
type Kind int

const (
	KindTransport Kind = iota
	KindAuthentication
	KindProtocol
	KindAuthorization
	KindSemantics
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	case KindSemantics:
		return "semantics"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Sentinels named after the failure modes spec.md §7 and §4.5 call out by
// name. Wrap these with fmt.Errorf("...: %w", Err...) at the call site so
// errors.Is still matches after context is added.
var (
	ErrInvalidVector      = errors.New("invalid state vector")
	ErrCausalityViolated  = errors.New("causality violated")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrUnexpectedMessage  = errors.New("unexpected message")
	ErrNameInUse          = errors.New("name in use")
	ErrNameMissing        = errors.New("name missing")
	ErrIDProvided         = errors.New("id must not be provided")
	ErrStatusProvided     = errors.New("status must not be provided")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNotSubscribed      = errors.New("not subscribed")
	ErrNotJoined          = errors.New("not joined")
	ErrAuthentication     = errors.New("authentication failed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrMalformedXML       = errors.New("malformed xml")
	ErrStorage            = errors.New("storage error")
)

// KindOf classifies a sentinel for the purposes of propagation policy
// (spec.md §7): transport/protocol/authorization errors close the
// connection; semantics errors (including OT failures) only fail the
// single offending request via request-failed.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrMalformedXML):
		return KindTransport
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrUnexpectedMessage):
		return KindProtocol
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrNotSubscribed), errors.Is(err, ErrNotJoined):
		return KindAuthorization
	case errors.Is(err, ErrStorage):
		return KindResource
	default:
		return KindSemantics
	}
}

// Domain maps a Kind to the request-failed wire domain string clients use
// to look up a user-facing message (spec.md §7).
func Domain(k Kind) string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	case KindResource:
		return "storage"
	default:
		return "semantics"
	}
}
