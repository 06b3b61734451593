package circles

import (
	"errors"
	"fmt"
)

// SecurityEvent reports an entitlement or authorization failure. The code is
// stable and safe to emit to telemetry.
type SecurityEvent struct {
	Code    string
	Message string
}

func (e *SecurityEvent) Error() string {
	return fmt.Sprintf("security %s: %s", e.Code, e.Message)
}

const (
	CodeInviteCreateRequiresPro = "invite_create_requires_pro"
	CodeInviteAcceptRequiresPro = "invite_accept_requires_pro"
	CodeSharingSuspended        = "sharing_suspended"
)

func securityEvent(code, message string) *SecurityEvent {
	return &SecurityEvent{Code: code, Message: message}
}

// Input validation errors, raised before any storage access.
var (
	ErrInvalidToken        = errors.New("invalid invite token")
	ErrInvalidConnectionID = errors.New("invalid connection id")
	ErrInvalidColor        = errors.New("invalid signal color")
	ErrInvalidCapacity     = errors.New("invalid capacity state")
	ErrInvalidParticipant  = errors.New("invalid participant id")
)

var ErrInviteNotFound = errors.New("invite not found")
