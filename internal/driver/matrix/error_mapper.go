package matrix

import (
	"errors"
	"strings"
	"time"

	"maunium.net/go/mautrix"

	"tavern/pkg/tavern"
)

// mapProtocolError converts an SDK failure into a classified ProtocolError.
// The original error stays reachable through the cause chain.
func mapProtocolError(op tavern.ProtocolOp, err error) error {
	if err == nil {
		return nil
	}

	protocolErr := &tavern.ProtocolError{
		Op:    op,
		Kind:  tavern.ProtocolErrorKindNetwork,
		Cause: err,
	}

	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		// No server response at all: transport-level failure.
		return protocolErr
	}

	if httpErr.Response != nil {
		protocolErr.Code = httpErr.Response.StatusCode
	}
	if httpErr.RespError != nil {
		protocolErr.ServerCode = httpErr.RespError.ErrCode
		protocolErr.RetryAfter = retryAfterOf(httpErr.RespError)
	}
	protocolErr.Kind = classifyHTTPError(op, protocolErr.Code, protocolErr.ServerCode)

	return protocolErr
}

// classifyHTTPError buckets a server rejection by operation, status, and
// error code.
func classifyHTTPError(op tavern.ProtocolOp, statusCode int, serverCode string) tavern.ProtocolErrorKind {
	normalized := strings.ToUpper(strings.TrimSpace(serverCode))

	if statusCode == 429 || strings.Contains(normalized, "LIMIT_EXCEEDED") {
		return tavern.ProtocolErrorKindRateLimited
	}

	switch normalized {
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN", "M_USER_DEACTIVATED":
		return tavern.ProtocolErrorKindAuth
	case "M_FORBIDDEN":
		// A forbidden login is a credential rejection; elsewhere it is a
		// room-access denial unless the request carried no valid token.
		if statusCode == 401 || op == tavern.ProtocolOpLogin {
			return tavern.ProtocolErrorKindAuth
		}
		return tavern.ProtocolErrorKindRoom
	case "M_NOT_FOUND", "M_UNKNOWN_ROOM", "M_ROOM_IN_USE":
		return tavern.ProtocolErrorKindRoom
	}

	switch {
	case statusCode == 401, statusCode == 403 && normalized == "":
		return tavern.ProtocolErrorKindAuth
	case statusCode >= 500:
		return tavern.ProtocolErrorKindNetwork
	}

	return tavern.ProtocolErrorKindUnknown
}

// retryAfterOf reads the rate-limit retry hint from the error body.
func retryAfterOf(respErr *mautrix.RespError) time.Duration {
	if respErr == nil {
		return 0
	}

	raw, exists := respErr.ExtraData["retry_after_ms"]
	if !exists {
		return 0
	}

	millis, ok := raw.(float64)
	if !ok || millis <= 0 {
		return 0
	}

	return time.Duration(millis) * time.Millisecond
}
