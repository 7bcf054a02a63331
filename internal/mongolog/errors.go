package mongolog

import (
	"errors"
	"net"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// server error codes after which re-reading the oplog can succeed
var retryableCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	43,    // CursorNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	136,   // CappedPositionLost
	189,   // PrimarySteppedDown
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

// IsRetryable reports whether err is a connectivity or cursor failure that a
// fresh tail session may get past. Anything else is a configuration or
// programming problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, audit.ErrCursorClosed) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	// socket errors from other stores opened inside a session, such as a
	// Postgres edit-context store
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		for _, code := range retryableCodes {
			if serverErr.HasErrorCode(code) {
				return true
			}
		}
		return serverErr.HasErrorLabel("ResumableChangeStreamError")
	}
	return false
}
