// Package memory is the single-device backend: mutex-guarded maps with an
// optional JSON snapshot file so circle state survives a restart.
package memory

import (
	"context"

	"circles-server/internal/model"
	"circles-server/internal/store"
)

type Store struct {
	*state
}

type Options struct {
	StateFile string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	return &Store{state: newState(opts.StateFile)}
}

func pairKey(localID, remoteID string) string {
	return localID + "|" + remoteID
}

func (s *Store) EnsureParticipant(_ context.Context, id, displayHint string, nowMillis int64) (model.Participant, bool, error) {
	var p model.Participant
	var created bool
	s.mutate(func() {
		if existing, ok := s.participantsByID[id]; ok {
			if displayHint != "" && existing.DisplayHint != displayHint {
				existing.DisplayHint = displayHint
				s.participantsByID[id] = existing
			}
			p = existing
			return
		}
		p = model.Participant{ID: id, DisplayHint: displayHint, CreatedAt: nowMillis}
		s.participantsByID[id] = p
		created = true
	})
	return p, created, nil
}

func (s *Store) GetParticipant(_ context.Context, id string) (model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participantsByID[id]
	if !ok {
		return model.Participant{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) DeleteParticipant(_ context.Context, id string) (int, error) {
	deleted := 0
	s.mutate(func() {
		if _, ok := s.participantsByID[id]; ok {
			delete(s.participantsByID, id)
			deleted = 1
		}
	})
	return deleted, nil
}

func (s *Store) PutInvite(_ context.Context, inv model.Invite) error {
	s.mutate(func() {
		s.invitesByToken[inv.Token] = inv
	})
	return nil
}

func (s *Store) GetInvite(_ context.Context, token string) (model.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invitesByToken[token]
	if !ok {
		return model.Invite{}, store.ErrNotFound
	}
	return inv, nil
}

func (s *Store) MarkInviteUsed(_ context.Context, token, usedBy string) error {
	var err error
	s.mutate(func() {
		inv, ok := s.invitesByToken[token]
		if !ok {
			err = store.ErrNotFound
			return
		}
		if inv.Used {
			err = store.ErrInviteUsed
			return
		}
		inv.Used = true
		inv.UsedBy = usedBy
		s.invitesByToken[token] = inv
	})
	return err
}

func (s *Store) DeleteInvite(_ context.Context, token string) error {
	s.mutate(func() {
		delete(s.invitesByToken, token)
	})
	return nil
}

func (s *Store) ListInvitesByInviter(_ context.Context, inviterID string) ([]model.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Invite, 0)
	for _, inv := range s.invitesByToken {
		if inv.InviterID == inviterID {
			result = append(result, inv)
		}
	}
	return result, nil
}

func (s *Store) DeleteExpiredInvites(_ context.Context, nowMillis int64) (int, error) {
	deleted := 0
	s.mutate(func() {
		for token, inv := range s.invitesByToken {
			if inv.IsExpired(nowMillis) {
				delete(s.invitesByToken, token)
				deleted++
			}
		}
	})
	return deleted, nil
}

func (s *Store) DeleteInvitesByInviter(_ context.Context, inviterID string) (int, error) {
	deleted := 0
	s.mutate(func() {
		for token, inv := range s.invitesByToken {
			if inv.InviterID == inviterID {
				delete(s.invitesByToken, token)
				deleted++
			}
		}
	})
	return deleted, nil
}

func (s *Store) CreateConnectionPair(_ context.Context, local, mirror model.Connection, maxPerSide int) error {
	var err error
	s.mutate(func() {
		if _, ok := s.connIDByPair[pairKey(local.LocalParticipantID, local.RemoteParticipantID)]; ok {
			err = store.ErrPairExists
			return
		}
		if _, ok := s.connIDByPair[pairKey(mirror.LocalParticipantID, mirror.RemoteParticipantID)]; ok {
			err = store.ErrPairExists
			return
		}
		if s.countRowsLocked(local.LocalParticipantID) >= maxPerSide ||
			s.countRowsLocked(mirror.LocalParticipantID) >= maxPerSide {
			err = store.ErrCapExceeded
			return
		}
		s.connectionsByID[local.ID] = local
		s.connectionsByID[mirror.ID] = mirror
		s.connIDByPair[pairKey(local.LocalParticipantID, local.RemoteParticipantID)] = local.ID
		s.connIDByPair[pairKey(mirror.LocalParticipantID, mirror.RemoteParticipantID)] = mirror.ID
	})
	return err
}

func (s *state) countRowsLocked(participantID string) int {
	n := 0
	for _, c := range s.connectionsByID {
		if c.LocalParticipantID == participantID {
			n++
		}
	}
	return n
}

func (s *Store) GetConnection(_ context.Context, id string) (model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connectionsByID[id]
	if !ok {
		return model.Connection{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindConnectionByPeer(_ context.Context, localID, remoteID string) (model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.connIDByPair[pairKey(localID, remoteID)]
	if !ok {
		return model.Connection{}, store.ErrNotFound
	}
	return s.connectionsByID[id], nil
}

func (s *Store) ListConnections(_ context.Context, localID string) ([]model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Connection, 0)
	for _, c := range s.connectionsByID {
		if c.LocalParticipantID == localID {
			result = append(result, c)
		}
	}
	sortConnections(result)
	return result, nil
}

func (s *Store) SetPairStatus(_ context.Context, localID, remoteID string, localStatus, mirrorStatus model.ConnectionStatus, nowMillis int64) error {
	var err error
	s.mutate(func() {
		id, ok := s.connIDByPair[pairKey(localID, remoteID)]
		if !ok {
			err = store.ErrNotFound
			return
		}
		c := s.connectionsByID[id]
		c.Status = localStatus
		c.StatusChangedAt = nowMillis
		s.connectionsByID[id] = c

		if mid, ok := s.connIDByPair[pairKey(remoteID, localID)]; ok {
			m := s.connectionsByID[mid]
			m.Status = mirrorStatus
			m.StatusChangedAt = nowMillis
			s.connectionsByID[mid] = m
		}
	})
	return err
}

func (s *Store) DeleteConnectionsFor(_ context.Context, participantID string) (int, error) {
	deleted := 0
	s.mutate(func() {
		for id, c := range s.connectionsByID {
			if c.LocalParticipantID == participantID || c.RemoteParticipantID == participantID {
				delete(s.connectionsByID, id)
				delete(s.connIDByPair, pairKey(c.LocalParticipantID, c.RemoteParticipantID))
				deleted++
			}
		}
	})
	return deleted, nil
}

func (s *Store) AddBlock(_ context.Context, ownerID, blockedID string, nowMillis int64) error {
	s.mutate(func() {
		if s.blocksByOwner[ownerID] == nil {
			s.blocksByOwner[ownerID] = make(map[string]int64)
		}
		if _, ok := s.blocksByOwner[ownerID][blockedID]; !ok {
			s.blocksByOwner[ownerID][blockedID] = nowMillis
		}
	})
	return nil
}

func (s *Store) RemoveBlock(_ context.Context, ownerID, blockedID string) error {
	s.mutate(func() {
		if set := s.blocksByOwner[ownerID]; set != nil {
			delete(set, blockedID)
			if len(set) == 0 {
				delete(s.blocksByOwner, ownerID)
			}
		}
	})
	return nil
}

func (s *Store) IsBlocked(_ context.Context, ownerID, blockedID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.blocksByOwner[ownerID]
	if set == nil {
		return false, nil
	}
	_, ok := set[blockedID]
	return ok, nil
}

func (s *Store) ListBlocks(_ context.Context, ownerID string) ([]model.BlockedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.BlockedUser, 0, len(s.blocksByOwner[ownerID]))
	for id, at := range s.blocksByOwner[ownerID] {
		result = append(result, model.BlockedUser{BlockedParticipantID: id, BlockedAt: at})
	}
	sortBlocks(result)
	return result, nil
}

func (s *Store) DeleteBlocksFor(_ context.Context, ownerID string) (int, error) {
	deleted := 0
	s.mutate(func() {
		deleted = len(s.blocksByOwner[ownerID])
		delete(s.blocksByOwner, ownerID)
	})
	return deleted, nil
}

func (s *Store) PutSignal(_ context.Context, sig model.StoredSignal) error {
	s.mutate(func() {
		s.signalsByOwner[sig.OwnerID] = sig
	})
	return nil
}

func (s *Store) GetSignal(_ context.Context, ownerID string) (model.StoredSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signalsByOwner[ownerID]
	if !ok {
		return model.StoredSignal{}, store.ErrNotFound
	}
	return sig, nil
}

func (s *Store) DeleteSignal(_ context.Context, ownerID string) (int, error) {
	deleted := 0
	s.mutate(func() {
		if _, ok := s.signalsByOwner[ownerID]; ok {
			delete(s.signalsByOwner, ownerID)
			deleted = 1
		}
	})
	return deleted, nil
}

func (s *Store) DeleteExpiredSignals(_ context.Context, nowMillis int64) (int, error) {
	deleted := 0
	s.mutate(func() {
		for owner, sig := range s.signalsByOwner {
			if sig.IsExpired(nowMillis) {
				delete(s.signalsByOwner, owner)
				deleted++
			}
		}
	})
	return deleted, nil
}
