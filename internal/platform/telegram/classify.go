package telegram

import (
	"context"
	"errors"
	"net"

	"github.com/gotd/td/tgerr"

	"github.com/chanvault/chanvault/internal/platform"
)

// classify maps a raw RPC or transport error onto the platform taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *platform.Error
	if errors.As(err, &pe) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &platform.Error{Kind: platform.KindRateLimited, Op: op, RetryAfter: d, Err: err}
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_DUPLICATED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED") {
		return platform.E(platform.KindCredentialInvalid, op, err)
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_ADMIN_REQUIRED") {
		return platform.E(platform.KindPermission, op, err)
	}
	if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "MSG_ID_INVALID") {
		return platform.E(platform.KindValidation, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return platform.E(platform.KindNetworkTransient, op, err)
	}
	return platform.E(platform.KindNetworkTransient, op, err)
}
