package tavern

import "errors"

var (
	// ErrAuth indicates rejected or expired credentials.
	ErrAuth = errors.New("tavern: authentication failed")
	// ErrNotLoggedIn indicates an operation that requires an active session.
	ErrNotLoggedIn = errors.New("tavern: not logged in")
	// ErrNotInRoom indicates an operation that requires a joined room.
	ErrNotInRoom = errors.New("tavern: not in a room")
	// ErrUnknownCommand indicates a slash command with no registered keyword.
	ErrUnknownCommand = errors.New("tavern: unknown command")
	// ErrUsage indicates malformed command arguments.
	ErrUsage = errors.New("tavern: invalid command usage")
	// ErrRateLimited indicates server-side rate limiting.
	ErrRateLimited = errors.New("tavern: rate limited")
	// ErrNetwork indicates a transport-level failure.
	ErrNetwork = errors.New("tavern: network failure")
	// ErrQuota indicates a persistence failure due to storage capacity.
	ErrQuota = errors.New("tavern: storage quota exceeded")
	// ErrInvalidEvent indicates that an event does not satisfy envelope invariants.
	ErrInvalidEvent = errors.New("tavern: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("tavern: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("tavern: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("tavern: event dropped due to backpressure")
)
