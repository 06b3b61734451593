// Package circles is the single entry point for the consent-gated presence
// system: invites, connections, blocks and signals. Every operation takes
// the caller's Identity explicitly, runs the policy checks against current
// state, performs the storage step and projects results through the
// viewer-safe transform before returning.
package circles

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"circles-server/internal/model"
	"circles-server/internal/policy"
	"circles-server/internal/store"
)

// Identity is the authenticated caller: an opaque participant id issued
// elsewhere plus the externally computed entitlement gate.
type Identity struct {
	ParticipantID string
	Entitled      bool
}

// Event is the minimal change notification the service emits. It carries
// the event type and the receiver's own connection id, never signal fields,
// so the push channel cannot bypass the read projection.
type Event struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
}

const (
	EventConnectionAdded   = "connection-added"
	EventConnectionRevoked = "connection-revoked"
	EventConnectionBlocked = "connection-blocked"
	EventSignalUpdated     = "signal-updated"
	EventSignalCleared     = "signal-cleared"
)

// Events receives best-effort change notifications for a participant's own
// devices. Implementations must not block.
type Events interface {
	Publish(participantID string, event Event)
}

type Service struct {
	store  store.Store
	events Events
	now    func() int64
}

type Options struct {
	Events Events
	// Now overrides the clock, in Unix millis. Tests inject this.
	Now func() int64
}

func NewService(st store.Store) *Service {
	return NewServiceWithOptions(st, Options{})
}

func NewServiceWithOptions(st store.Store, opts Options) *Service {
	s := &Service{store: st, events: opts.Events, now: opts.Now}
	if s.now == nil {
		s.now = func() int64 { return time.Now().UnixMilli() }
	}
	return s
}

func (s *Service) publish(participantID string, event Event) {
	if s.events != nil {
		s.events.Publish(participantID, event)
	}
}

// Init ensures the participant record exists and opportunistically clears
// expired invites.
func (s *Service) Init(ctx context.Context, id Identity, displayHint string) error {
	if id.ParticipantID == "" {
		return ErrInvalidParticipant
	}
	if _, _, err := s.store.EnsureParticipant(ctx, id.ParticipantID, displayHint, s.now()); err != nil {
		return err
	}
	_, err := s.store.DeleteExpiredInvites(ctx, s.now())
	return err
}

// MyID returns the participant id if the record exists, "" otherwise.
func (s *Service) MyID(ctx context.Context, id Identity) (string, error) {
	p, err := s.store.GetParticipant(ctx, id.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func newInviteToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func validToken(token string) bool {
	if len(token) != 32 {
		return false
	}
	for _, r := range token {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// CreateInvite issues a single-use token that expires 24 hours from now.
// The connection cap is checked against the inviter's current row count, so
// an invite cannot be minted for a slot that does not exist.
func (s *Service) CreateInvite(ctx context.Context, id Identity, targetHint string) (model.Invite, string, error) {
	if !id.Entitled {
		return model.Invite{}, "", securityEvent(CodeInviteCreateRequiresPro, "entitlement required to create invite")
	}
	now := s.now()
	if _, _, err := s.store.EnsureParticipant(ctx, id.ParticipantID, "", now); err != nil {
		return model.Invite{}, "", err
	}

	conns, err := s.store.ListConnections(ctx, id.ParticipantID)
	if err != nil {
		return model.Invite{}, "", err
	}
	if err := policy.CheckConnectionCap(len(conns)); err != nil {
		return model.Invite{}, "", err
	}

	token, err := newInviteToken()
	if err != nil {
		return model.Invite{}, "", err
	}
	inv := model.Invite{
		Token:      token,
		InviterID:  id.ParticipantID,
		TargetHint: targetHint,
		ExpiresAt:  now + model.InviteExpiry.Milliseconds(),
		CreatedAt:  now,
	}
	if err := s.store.PutInvite(ctx, inv); err != nil {
		return model.Invite{}, "", err
	}
	return inv, token, nil
}

// AcceptInvite consumes an invite and establishes (or re-activates) the
// connection pair. The invite is marked used only after the connection
// write has succeeded; if the mark fails, the connection stands and the
// error is surfaced so the caller never retries into a duplicate.
func (s *Service) AcceptInvite(ctx context.Context, id Identity, token string) (model.Connection, error) {
	if !id.Entitled {
		return model.Connection{}, securityEvent(CodeInviteAcceptRequiresPro, "entitlement required to accept invite")
	}
	if !validToken(token) {
		return model.Connection{}, ErrInvalidToken
	}
	now := s.now()
	if _, _, err := s.store.EnsureParticipant(ctx, id.ParticipantID, "", now); err != nil {
		return model.Connection{}, err
	}

	inv, err := s.store.GetInvite(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return model.Connection{}, ErrInviteNotFound
	}
	if err != nil {
		return model.Connection{}, err
	}

	if err := policy.CheckSelfAccept(inv, id.ParticipantID); err != nil {
		return model.Connection{}, err
	}
	// Either direction of the denylist forbids the handshake: the accepter
	// may have blocked the inviter, or the inviter may still hold a block
	// against the accepter despite minting a fresh invite.
	blocked, err := s.store.IsBlocked(ctx, id.ParticipantID, inv.InviterID)
	if err != nil {
		return model.Connection{}, err
	}
	if !blocked {
		blocked, err = s.store.IsBlocked(ctx, inv.InviterID, id.ParticipantID)
		if err != nil {
			return model.Connection{}, err
		}
	}
	// Replay of a completed accept: the invite was consumed by this same
	// participant and the connection is live. Anything else that is used
	// stays rejected, including the partial "used invite, no connection"
	// state, which must read as consumed rather than retried.
	if inv.Used && inv.UsedBy == id.ParticipantID {
		if existing, err := s.store.FindConnectionByPeer(ctx, id.ParticipantID, inv.InviterID); err == nil && existing.Status == model.StatusActive {
			return existing, nil
		}
	}
	if err := policy.CheckAccept(inv, now, blocked); err != nil {
		return model.Connection{}, err
	}

	conn, err := s.connectForAccept(ctx, id.ParticipantID, inv, now)
	if err != nil {
		return model.Connection{}, err
	}

	// Connection write succeeded; the mark is never undone or retried.
	if err := s.store.MarkInviteUsed(ctx, token, id.ParticipantID); err != nil {
		return conn, fmt.Errorf("connection established but invite not consumed: %w", err)
	}

	s.publish(id.ParticipantID, Event{Type: EventConnectionAdded, ConnectionID: conn.ID})
	if mirror, err := s.store.FindConnectionByPeer(ctx, inv.InviterID, id.ParticipantID); err == nil {
		s.publish(inv.InviterID, Event{Type: EventConnectionAdded, ConnectionID: mirror.ID})
	}
	return conn, nil
}

func (s *Service) connectForAccept(ctx context.Context, accepterID string, inv model.Invite, now int64) (model.Connection, error) {
	existing, err := s.store.FindConnectionByPeer(ctx, accepterID, inv.InviterID)
	switch {
	case err == nil:
		switch existing.Status {
		case model.StatusActive:
			// Idempotent success: same connection, no duplicate.
			return existing, nil
		case model.StatusBlocked:
			return model.Connection{}, policy.CheckAccept(inv, now, true)
		default:
			// A blocked mirror row never leaves blocked through an accept,
			// even if the denylist row has somehow gone missing.
			if mirror, err := s.store.FindConnectionByPeer(ctx, inv.InviterID, accepterID); err == nil && mirror.Status == model.StatusBlocked {
				return model.Connection{}, policy.CheckAccept(inv, now, true)
			}
			// Revoked (or the reserved pending) re-activates in place,
			// preserving the connection id.
			if err := s.store.SetPairStatus(ctx, accepterID, inv.InviterID, model.StatusActive, model.StatusActive, now); err != nil {
				return model.Connection{}, err
			}
			return s.store.FindConnectionByPeer(ctx, accepterID, inv.InviterID)
		}
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return model.Connection{}, err
	}

	conns, err := s.store.ListConnections(ctx, accepterID)
	if err != nil {
		return model.Connection{}, err
	}
	if err := policy.CheckConnectionCap(len(conns)); err != nil {
		return model.Connection{}, err
	}

	inviterHint := ""
	if p, err := s.store.GetParticipant(ctx, inv.InviterID); err == nil {
		inviterHint = p.DisplayHint
	}

	local := model.Connection{
		ID:                  uuid.NewString(),
		LocalParticipantID:  accepterID,
		RemoteParticipantID: inv.InviterID,
		RemoteDisplayHint:   inviterHint,
		Status:              model.StatusActive,
		StatusChangedAt:     now,
		InitiatedBy:         model.InitiatedByRemote,
		CreatedAt:           now,
	}
	mirror := model.Connection{
		ID:                  uuid.NewString(),
		LocalParticipantID:  inv.InviterID,
		RemoteParticipantID: accepterID,
		RemoteDisplayHint:   inv.TargetHint,
		Status:              model.StatusActive,
		StatusChangedAt:     now,
		InitiatedBy:         model.InitiatedByLocal,
		CreatedAt:           now,
	}
	err = s.store.CreateConnectionPair(ctx, local, mirror, model.MaxConnections)
	switch {
	case errors.Is(err, store.ErrCapExceeded):
		return model.Connection{}, policy.CheckConnectionCap(model.MaxConnections)
	case errors.Is(err, store.ErrPairExists):
		// Lost a race with another accept for the same pair.
		return s.store.FindConnectionByPeer(ctx, accepterID, inv.InviterID)
	case err != nil:
		return model.Connection{}, err
	}
	return local, nil
}

// CancelInvite hard-deletes an unused invite. Canceling a used or unknown
// invite is a no-op.
func (s *Service) CancelInvite(ctx context.Context, id Identity, token string) error {
	if !validToken(token) {
		return ErrInvalidToken
	}
	inv, err := s.store.GetInvite(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inv.InviterID != id.ParticipantID || inv.Used {
		return nil
	}
	return s.store.DeleteInvite(ctx, token)
}

// RevokeConnection marks both sides of the pair revoked and then verifies
// that no signal remains readable through the revoked row. Visibility is
// derived from status at read time, so the signal row itself stays put.
func (s *Service) RevokeConnection(ctx context.Context, id Identity, connectionID string) error {
	if _, err := uuid.Parse(connectionID); err != nil {
		return ErrInvalidConnectionID
	}
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.LocalParticipantID != id.ParticipantID {
		return store.ErrNotFound
	}

	now := s.now()
	if err := s.store.SetPairStatus(ctx, conn.LocalParticipantID, conn.RemoteParticipantID, model.StatusRevoked, model.StatusRevoked, now); err != nil {
		return err
	}

	after, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if policy.CanView(after) {
		return fmt.Errorf("revocation verification failed: connection %s still readable", connectionID)
	}

	s.publish(conn.LocalParticipantID, Event{Type: EventConnectionRevoked, ConnectionID: conn.ID})
	if mirror, err := s.store.FindConnectionByPeer(ctx, conn.RemoteParticipantID, conn.LocalParticipantID); err == nil {
		s.publish(conn.RemoteParticipantID, Event{Type: EventConnectionRevoked, ConnectionID: mirror.ID})
	}
	return nil
}

// BlockUser always adds the denylist entry; a connection, if one exists in
// any status, is forced to blocked on the blocker's side and demoted to
// revoked on the peer's side so the peer sees an ordinary revocation.
func (s *Service) BlockUser(ctx context.Context, id Identity, remoteParticipantID string) error {
	if remoteParticipantID == "" || remoteParticipantID == id.ParticipantID {
		return ErrInvalidParticipant
	}
	now := s.now()
	if _, _, err := s.store.EnsureParticipant(ctx, id.ParticipantID, "", now); err != nil {
		return err
	}
	if err := s.store.AddBlock(ctx, id.ParticipantID, remoteParticipantID, now); err != nil {
		return err
	}

	conn, err := s.store.FindConnectionByPeer(ctx, id.ParticipantID, remoteParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.SetPairStatus(ctx, id.ParticipantID, remoteParticipantID, model.StatusBlocked, model.StatusRevoked, now); err != nil {
		return err
	}

	s.publish(id.ParticipantID, Event{Type: EventConnectionBlocked, ConnectionID: conn.ID})
	if mirror, err := s.store.FindConnectionByPeer(ctx, remoteParticipantID, id.ParticipantID); err == nil {
		s.publish(remoteParticipantID, Event{Type: EventConnectionRevoked, ConnectionID: mirror.ID})
	}
	return nil
}

// UnblockUser removes the denylist entry. A blocked connection demotes to
// revoked, never back to active: visibility requires a fresh handshake.
func (s *Service) UnblockUser(ctx context.Context, id Identity, remoteParticipantID string) error {
	if remoteParticipantID == "" {
		return ErrInvalidParticipant
	}
	if err := s.store.RemoveBlock(ctx, id.ParticipantID, remoteParticipantID); err != nil {
		return err
	}

	conn, err := s.store.FindConnectionByPeer(ctx, id.ParticipantID, remoteParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conn.Status != model.StatusBlocked {
		return nil
	}
	return s.store.SetPairStatus(ctx, id.ParticipantID, remoteParticipantID, model.StatusRevoked, model.StatusRevoked, s.now())
}

// ConnectionSummary is the outward shape of a connection row: status and
// display hint only.
type ConnectionSummary struct {
	ConnectionID      string                 `json:"connectionId"`
	Status            model.ConnectionStatus `json:"status"`
	RemoteDisplayHint string                 `json:"remoteDisplayHint,omitempty"`
}

func (s *Service) MyConnections(ctx context.Context, id Identity) ([]ConnectionSummary, error) {
	conns, err := s.store.ListConnections(ctx, id.ParticipantID)
	if err != nil {
		return nil, err
	}
	result := make([]ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		result = append(result, ConnectionSummary{
			ConnectionID:      c.ID,
			Status:            c.Status,
			RemoteDisplayHint: c.RemoteDisplayHint,
		})
	}
	return result, nil
}

// SetMySignal overwrites the caller's single signal row. ttlMillis <= 0
// selects the default TTL; anything else must land inside the bounds.
func (s *Service) SetMySignal(ctx context.Context, id Identity, color model.Color, ttlMillis int64) error {
	if !id.Entitled {
		return securityEvent(CodeSharingSuspended, "sharing suspended: entitlement lapsed")
	}
	switch color {
	case model.ColorCyan, model.ColorAmber, model.ColorRed:
	default:
		return ErrInvalidColor
	}

	now := s.now()
	if ttlMillis <= 0 {
		ttlMillis = model.DefaultSignalTTL.Milliseconds()
	}
	expiresAt := now + ttlMillis
	if err := policy.CheckWriteTTL(now, expiresAt); err != nil {
		return err
	}

	if _, _, err := s.store.EnsureParticipant(ctx, id.ParticipantID, "", now); err != nil {
		return err
	}

	createdAt := now
	if prev, err := s.store.GetSignal(ctx, id.ParticipantID); err == nil {
		createdAt = prev.CreatedAt
	}
	sig := model.StoredSignal{
		OwnerID:       id.ParticipantID,
		Color:         color,
		TTLExpiresAt:  expiresAt,
		Scope:         model.Scope,
		SchemaVersion: model.SchemaVersion,
		CreatedAt:     createdAt,
		UpdatedAt:     now,
	}
	if err := s.store.PutSignal(ctx, sig); err != nil {
		return err
	}

	s.notifyActivePeers(ctx, id.ParticipantID, EventSignalUpdated)
	return nil
}

// SetMySignalFromCapacityState maps the external three-valued state to a
// color and sets it.
func (s *Service) SetMySignalFromCapacityState(ctx context.Context, id Identity, state model.CapacityState, ttlMillis int64) error {
	var color model.Color
	switch state {
	case model.CapacityOpen:
		color = model.ColorCyan
	case model.CapacityStretched:
		color = model.ColorAmber
	case model.CapacityFull:
		color = model.ColorRed
	default:
		return ErrInvalidCapacity
	}
	return s.SetMySignal(ctx, id, color, ttlMillis)
}

func (s *Service) ClearMySignal(ctx context.Context, id Identity) error {
	if _, err := s.store.DeleteSignal(ctx, id.ParticipantID); err != nil {
		return err
	}
	s.notifyActivePeers(ctx, id.ParticipantID, EventSignalCleared)
	return nil
}

// notifyActivePeers tells each active peer, addressed by the peer's own
// connection row, that something about this participant changed.
func (s *Service) notifyActivePeers(ctx context.Context, participantID, eventType string) {
	if s.events == nil {
		return
	}
	conns, err := s.store.ListConnections(ctx, participantID)
	if err != nil {
		return
	}
	for _, c := range conns {
		if c.Status != model.StatusActive {
			continue
		}
		mirror, err := s.store.FindConnectionByPeer(ctx, c.RemoteParticipantID, participantID)
		if err != nil {
			continue
		}
		s.publish(c.RemoteParticipantID, Event{Type: eventType, ConnectionID: mirror.ID})
	}
}

// MyCurrentSignal returns the caller's own color, or unknown when
// unauthenticated, suspended or expired.
func (s *Service) MyCurrentSignal(ctx context.Context, id Identity) (model.Color, error) {
	if id.ParticipantID == "" || !id.Entitled {
		return model.ColorUnknown, nil
	}
	sig, err := s.store.GetSignal(ctx, id.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ColorUnknown, nil
	}
	if err != nil {
		return model.ColorUnknown, err
	}
	if sig.IsExpired(s.now()) {
		_, _ = s.store.DeleteSignal(ctx, id.ParticipantID)
		return model.ColorUnknown, nil
	}
	return sig.Color, nil
}

// SignalsForMe returns the viewer-safe signal of every active connection,
// keyed by connection id. A lapsed entitlement suspends reads: the result
// is empty and nothing else changes.
func (s *Service) SignalsForMe(ctx context.Context, id Identity) (map[string]ViewerSafeSignal, error) {
	result := make(map[string]ViewerSafeSignal)
	if !id.Entitled {
		return result, nil
	}

	conns, err := s.store.ListConnections(ctx, id.ParticipantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	seen := 0
	for _, c := range conns {
		if !policy.CanView(c) {
			continue
		}
		if seen >= model.MaxConnections {
			break
		}
		seen++
		result[c.ID] = s.viewerSignal(ctx, c.RemoteParticipantID, now)
	}
	return result, nil
}

// SignalForConnection resolves a single connection's viewer-safe signal.
// Returns nil when the connection is not visible to the caller.
func (s *Service) SignalForConnection(ctx context.Context, id Identity, connectionID string) (*ViewerSafeSignal, error) {
	if _, err := uuid.Parse(connectionID); err != nil {
		return nil, ErrInvalidConnectionID
	}
	if !id.Entitled {
		return nil, nil
	}
	conn, err := s.store.GetConnection(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conn.LocalParticipantID != id.ParticipantID || !policy.CanView(conn) {
		return nil, nil
	}
	sig := s.viewerSignal(ctx, conn.RemoteParticipantID, s.now())
	return &sig, nil
}

// viewerSignal fetches the owner's signal and projects it, treating missing
// and expired rows as absent. Expired rows are lazily deleted here.
func (s *Service) viewerSignal(ctx context.Context, ownerID string, nowMillis int64) ViewerSafeSignal {
	sig, err := s.store.GetSignal(ctx, ownerID)
	if err != nil {
		return projectAbsent()
	}
	if sig.IsExpired(nowMillis) {
		_, _ = s.store.DeleteSignal(ctx, ownerID)
		return projectAbsent()
	}
	return projectSignal(sig)
}

// RunCleanup deletes expired invites and expired signal rows. Idempotent
// and safe to call concurrently with reads.
func (s *Service) RunCleanup(ctx context.Context) error {
	now := s.now()
	if _, err := s.store.DeleteExpiredInvites(ctx, now); err != nil {
		return err
	}
	_, err := s.store.DeleteExpiredSignals(ctx, now)
	return err
}

// WipeAll removes every circle record belonging to the participant and
// returns how many rows went away.
func (s *Service) WipeAll(ctx context.Context, id Identity) (int, error) {
	total := 0

	n, err := s.store.DeleteConnectionsFor(ctx, id.ParticipantID)
	if err != nil {
		return total, err
	}
	total += n

	n, err = s.store.DeleteInvitesByInviter(ctx, id.ParticipantID)
	if err != nil {
		return total, err
	}
	total += n

	n, err = s.store.DeleteBlocksFor(ctx, id.ParticipantID)
	if err != nil {
		return total, err
	}
	total += n

	n, err = s.store.DeleteSignal(ctx, id.ParticipantID)
	if err != nil {
		return total, err
	}
	total += n

	n, err = s.store.DeleteParticipant(ctx, id.ParticipantID)
	if err != nil {
		return total, err
	}
	total += n

	return total, nil
}
