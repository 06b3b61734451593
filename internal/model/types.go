package model

import "time"

// Scope tags every signal row so circle data can never be confused with
// any other storage namespace of the hosting application.
const Scope = "circles"

// SchemaVersion is stamped on every stored signal for forward compatibility.
const SchemaVersion = 1

const (
	MaxConnections = 12

	DefaultSignalTTL = 90 * time.Minute
	MinSignalTTL     = 5 * time.Second
	MaxSignalTTL     = 24 * time.Hour

	InviteExpiry = 24 * time.Hour
)

// Color is the coarse current-state value a participant broadcasts.
type Color string

const (
	ColorCyan  Color = "cyan"
	ColorAmber Color = "amber"
	ColorRed   Color = "red"
	// ColorUnknown means "no live signal". It is a first-class value
	// returned to viewers, never stored.
	ColorUnknown Color = "unknown"
)

// CapacityState is the external three-valued state enum some clients send
// instead of a raw color.
type CapacityState string

const (
	CapacityOpen      CapacityState = "open"
	CapacityStretched CapacityState = "stretched"
	CapacityFull      CapacityState = "full"
)

type ConnectionStatus string

const (
	// StatusPending is reserved for a future approval flow. No current
	// operation produces it.
	StatusPending ConnectionStatus = "pending"
	StatusActive  ConnectionStatus = "active"
	StatusRevoked ConnectionStatus = "revoked"
	StatusBlocked ConnectionStatus = "blocked"
)

type InitiatedBy string

const (
	InitiatedByLocal  InitiatedBy = "local"
	InitiatedByRemote InitiatedBy = "remote"
)

// Participant is the local identity record, created lazily on first use.
type Participant struct {
	ID          string
	DisplayHint string
	CreatedAt   int64
}

// Connection is one side of a consented pair. Each participant holds its
// own mirror row; the handshake keeps the two rows in matching states.
type Connection struct {
	ID                  string
	LocalParticipantID  string
	RemoteParticipantID string
	RemoteDisplayHint   string
	Status              ConnectionStatus
	StatusChangedAt     int64
	InitiatedBy         InitiatedBy
	CreatedAt           int64
}

// Invite is a single-use token that bootstraps a connection. Used is
// permanent once set; ExpiresAt is fixed at creation.
type Invite struct {
	Token      string
	InviterID  string
	TargetHint string
	ExpiresAt  int64
	Used       bool
	UsedBy     string
	CreatedAt  int64
}

func (i Invite) IsExpired(nowMillis int64) bool {
	return nowMillis > i.ExpiresAt
}

type BlockedUser struct {
	BlockedParticipantID string
	BlockedAt            int64
}

// StoredSignal is the single live signal row for an owner. A new set
// overwrites it in place; there is no history.
type StoredSignal struct {
	OwnerID       string
	Color         Color
	TTLExpiresAt  int64
	Scope         string
	SchemaVersion int
	CreatedAt     int64
	UpdatedAt     int64
}

func (s StoredSignal) IsExpired(nowMillis int64) bool {
	return nowMillis > s.TTLExpiresAt
}
