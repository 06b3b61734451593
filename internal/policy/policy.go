// Package policy holds the six invariant checks every circle operation
// runs before it commits. The checks are pure: they look at values handed
// to them and either return nil or a Violation. They never touch storage
// and never auto-correct.
package policy

import (
	"fmt"
	"reflect"

	"circles-server/internal/model"
)

// Law identifiers carried by every Violation.
const (
	LawNoAggregation         = "L1"
	LawNoHistory             = "L2"
	LawBidirectionalConsent  = "L3"
	LawSocialFirewall        = "L4"
	LawNoHierarchy           = "L5"
	LawSymmetricalVisibility = "L6"
)

// Violation is returned when an operation would break one of the laws.
// The operation must be rejected with no partial effect.
type Violation struct {
	Law     string
	Message string
	Context map[string]any
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy %s: %s", v.Law, v.Message)
}

func violation(law, message string, ctx map[string]any) *Violation {
	return &Violation{Law: law, Message: message, Context: ctx}
}

// CheckConnectionCap enforces L1 before any connection is created or
// re-activated. Every existing row counts against the cap regardless of
// status, so revoking and re-inviting cannot be used to grow the circle.
func CheckConnectionCap(existing int) error {
	if existing >= model.MaxConnections {
		return violation(LawNoAggregation, "connection cap reached",
			map[string]any{"existing": existing, "max": model.MaxConnections})
	}
	return nil
}

// CheckWriteTTL enforces L2 on the write side: the expiry must land inside
// [now+min, now+max] at the moment of the write.
func CheckWriteTTL(nowMillis, ttlExpiresAt int64) error {
	minAt := nowMillis + model.MinSignalTTL.Milliseconds()
	maxAt := nowMillis + model.MaxSignalTTL.Milliseconds()
	if ttlExpiresAt < minAt || ttlExpiresAt > maxAt {
		return violation(LawNoHistory, "signal TTL outside allowed bounds",
			map[string]any{"ttlExpiresAt": ttlExpiresAt, "min": minAt, "max": maxAt})
	}
	return nil
}

// CheckAccept enforces L3: a connection may only become active through a
// live, unused invite between two participants with no standing block in
// either direction.
func CheckAccept(inv model.Invite, nowMillis int64, pairBlocked bool) error {
	if inv.Used {
		return violation(LawBidirectionalConsent, "invite already used",
			map[string]any{"token": inv.Token})
	}
	if inv.IsExpired(nowMillis) {
		return violation(LawBidirectionalConsent, "invite expired",
			map[string]any{"token": inv.Token, "expiresAt": inv.ExpiresAt})
	}
	if pairBlocked {
		return violation(LawBidirectionalConsent, "a standing block forbids this pair",
			map[string]any{"inviterId": inv.InviterID})
	}
	return nil
}

// CheckSelfAccept rejects a participant consuming their own invite.
func CheckSelfAccept(inv model.Invite, accepterID string) error {
	if inv.InviterID == accepterID {
		return violation(LawBidirectionalConsent, "cannot accept own invite",
			map[string]any{"token": inv.Token})
	}
	return nil
}

// CheckMirror enforces L5/L6 over a pair of mirror rows: the two sides must
// be structurally identical with the ids crossed, and neither side may hold
// a status the other side's status contradicts for visibility purposes.
// Active is only symmetric with active; blocked pairs with revoked so the
// blocked side learns nothing.
func CheckMirror(local, mirror model.Connection) error {
	if local.LocalParticipantID != mirror.RemoteParticipantID ||
		local.RemoteParticipantID != mirror.LocalParticipantID {
		return violation(LawNoHierarchy, "mirror rows reference different pairs",
			map[string]any{"local": local.ID, "mirror": mirror.ID})
	}
	if (local.Status == model.StatusActive) != (mirror.Status == model.StatusActive) {
		return violation(LawSymmetricalVisibility, "pair visibility is asymmetric",
			map[string]any{
				"local": local.ID, "localStatus": string(local.Status),
				"mirror": mirror.ID, "mirrorStatus": string(mirror.Status),
			})
	}
	return nil
}

// CanView enforces L6 on the read side: visibility derives from connection
// status alone.
func CanView(conn model.Connection) bool {
	return conn.Status == model.StatusActive
}

// viewerSafeFields is the complete set of fields allowed to cross the read
// boundary (L4). Anything else on a projection type is a firewall breach.
var viewerSafeFields = map[string]bool{
	"Color":         true,
	"TTLExpiresAt":  true,
	"Scope":         true,
	"SchemaVersion": true,
}

// CheckProjectionType walks a projection struct type and reports every
// field that is not in the viewer-safe set. Used by the firewall
// self-check so a field added to the projection cannot slip through
// unreviewed.
func CheckProjectionType(t reflect.Type) error {
	if t.Kind() != reflect.Struct {
		return violation(LawSocialFirewall, "projection is not a struct",
			map[string]any{"type": t.String()})
	}
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if !viewerSafeFields[name] {
			return violation(LawSocialFirewall, "projection carries a non-viewer-safe field",
				map[string]any{"type": t.String(), "field": name})
		}
	}
	return nil
}
