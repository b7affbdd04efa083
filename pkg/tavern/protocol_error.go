package tavern

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolOp identifies one protocol port operation.
type ProtocolOp string

const (
	// ProtocolOpLogin identifies Login and Resume operations.
	ProtocolOpLogin ProtocolOp = "login"
	// ProtocolOpJoin identifies JoinRoom operations.
	ProtocolOpJoin ProtocolOp = "join"
	// ProtocolOpLeave identifies LeaveRoom operations.
	ProtocolOpLeave ProtocolOp = "leave"
	// ProtocolOpSend identifies SendMessage operations.
	ProtocolOpSend ProtocolOp = "send"
	// ProtocolOpRedact identifies Redact operations.
	ProtocolOpRedact ProtocolOp = "redact"
	// ProtocolOpMessages identifies history pagination operations.
	ProtocolOpMessages ProtocolOp = "messages"
	// ProtocolOpState identifies power-level and member fetch operations.
	ProtocolOpState ProtocolOp = "state"
	// ProtocolOpSync identifies the live sync loop.
	ProtocolOpSync ProtocolOp = "sync"
)

// ProtocolErrorKind describes coarse-grained protocol failure classification.
type ProtocolErrorKind string

const (
	// ProtocolErrorKindAuth indicates rejected or expired credentials.
	ProtocolErrorKindAuth ProtocolErrorKind = "auth"
	// ProtocolErrorKindRateLimited indicates server-side rate limiting.
	ProtocolErrorKindRateLimited ProtocolErrorKind = "rate_limited"
	// ProtocolErrorKindRoom indicates a room-scoped rejection such as
	// forbidden or unknown room.
	ProtocolErrorKindRoom ProtocolErrorKind = "room"
	// ProtocolErrorKindNetwork indicates a transport-level failure.
	ProtocolErrorKindNetwork ProtocolErrorKind = "network"
	// ProtocolErrorKindUnknown indicates unclassified failure.
	ProtocolErrorKindUnknown ProtocolErrorKind = "unknown"
)

// ProtocolError carries structured metadata for one protocol operation failure.
type ProtocolError struct {
	// Op identifies which port operation failed.
	Op ProtocolOp
	// Kind classifies whether and how callers should retry.
	Kind ProtocolErrorKind
	// RetryAfter carries the server-suggested retry delay for rate-limited
	// failures when known.
	RetryAfter time.Duration
	// Code carries the HTTP status code when known.
	Code int
	// ServerCode carries the protocol error code token when known.
	ServerCode string
	// Cause is the wrapped SDK/transport error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if op := strings.TrimSpace(string(e.Op)); op != "" {
		fields = append(fields, "op="+op)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}
	if e.Code != 0 {
		fields = append(fields, fmt.Sprintf("code=%d", e.Code))
	}
	if serverCode := strings.TrimSpace(e.ServerCode); serverCode != "" {
		fields = append(fields, "server_code="+serverCode)
	}

	if len(fields) == 0 {
		if e.Cause == nil {
			return "protocol error"
		}
		return fmt.Sprintf("protocol error: %v", e.Cause)
	}

	if e.Cause == nil {
		return "protocol error: " + strings.Join(fields, " ")
	}
	return "protocol error: " + strings.Join(fields, " ") + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Is maps classification kinds onto the package sentinel errors so callers
// can test with errors.Is without unwrapping the struct.
func (e *ProtocolError) Is(target error) bool {
	if e == nil {
		return false
	}

	switch target {
	case ErrAuth:
		return e.Kind == ProtocolErrorKindAuth
	case ErrRateLimited:
		return e.Kind == ProtocolErrorKindRateLimited
	case ErrNetwork:
		return e.Kind == ProtocolErrorKindNetwork
	default:
		return false
	}
}

// AsProtocolError extracts one ProtocolError from wrapped error chains.
func AsProtocolError(err error) (*ProtocolError, bool) {
	if err == nil {
		return nil, false
	}

	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr, true
	}

	return nil, false
}

// AsRateLimit extracts retry delay metadata from rate-limited failures.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no retry-after hint is known.
func AsRateLimit(err error) (time.Duration, bool) {
	protocolErr, ok := AsProtocolError(err)
	if !ok || protocolErr == nil || protocolErr.Kind != ProtocolErrorKindRateLimited {
		return 0, false
	}

	return protocolErr.RetryAfter, true
}
