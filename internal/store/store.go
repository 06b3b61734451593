// Package store defines the storage ports the circle service runs against.
// Two backends implement them: memory (single-device, optional snapshot
// file) and postgres+redis (replicated, row ownership enforced in SQL).
package store

import (
	"context"
	"errors"

	"circles-server/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCapExceeded is returned by conditional connection inserts when
	// either side of the pair is already at its row cap. The check and the
	// insert happen in one critical section so the cap cannot be raced.
	ErrCapExceeded = errors.New("connection cap exceeded")
	ErrPairExists  = errors.New("connection pair already exists")
	ErrInviteUsed  = errors.New("invite already used")
)

type ParticipantStore interface {
	// EnsureParticipant creates the record on first use and returns it,
	// reporting whether it was created by this call.
	EnsureParticipant(ctx context.Context, id, displayHint string, nowMillis int64) (model.Participant, bool, error)
	GetParticipant(ctx context.Context, id string) (model.Participant, error)
	DeleteParticipant(ctx context.Context, id string) (int, error)
}

type InviteStore interface {
	PutInvite(ctx context.Context, inv model.Invite) error
	GetInvite(ctx context.Context, token string) (model.Invite, error)
	// MarkInviteUsed flips Used permanently. It fails with ErrInviteUsed if
	// the invite was already consumed and ErrNotFound if it is gone.
	MarkInviteUsed(ctx context.Context, token, usedBy string) error
	DeleteInvite(ctx context.Context, token string) error
	ListInvitesByInviter(ctx context.Context, inviterID string) ([]model.Invite, error)
	DeleteExpiredInvites(ctx context.Context, nowMillis int64) (int, error)
	DeleteInvitesByInviter(ctx context.Context, inviterID string) (int, error)
}

type ConnectionStore interface {
	// CreateConnectionPair inserts both mirror rows, refusing with
	// ErrCapExceeded if either side would exceed maxPerSide rows and with
	// ErrPairExists if a row for the pair already exists. Count and insert
	// are atomic.
	CreateConnectionPair(ctx context.Context, local, mirror model.Connection, maxPerSide int) error
	GetConnection(ctx context.Context, id string) (model.Connection, error)
	FindConnectionByPeer(ctx context.Context, localID, remoteID string) (model.Connection, error)
	ListConnections(ctx context.Context, localID string) ([]model.Connection, error)
	// SetPairStatus updates the row owned by localID and, when present, the
	// peer's mirror row, in one step. A missing mirror (peer wiped) is not
	// an error.
	SetPairStatus(ctx context.Context, localID, remoteID string, localStatus, mirrorStatus model.ConnectionStatus, nowMillis int64) error
	DeleteConnectionsFor(ctx context.Context, participantID string) (int, error)
}

type BlockStore interface {
	AddBlock(ctx context.Context, ownerID, blockedID string, nowMillis int64) error
	RemoveBlock(ctx context.Context, ownerID, blockedID string) error
	IsBlocked(ctx context.Context, ownerID, blockedID string) (bool, error)
	ListBlocks(ctx context.Context, ownerID string) ([]model.BlockedUser, error)
	DeleteBlocksFor(ctx context.Context, ownerID string) (int, error)
}

type SignalStore interface {
	// PutSignal overwrites the owner's single row in place.
	PutSignal(ctx context.Context, sig model.StoredSignal) error
	GetSignal(ctx context.Context, ownerID string) (model.StoredSignal, error)
	DeleteSignal(ctx context.Context, ownerID string) (int, error)
	DeleteExpiredSignals(ctx context.Context, nowMillis int64) (int, error)
}

type Store interface {
	ParticipantStore
	InviteStore
	ConnectionStore
	BlockStore
	SignalStore
}
