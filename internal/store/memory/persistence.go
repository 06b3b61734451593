package memory

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"circles-server/internal/model"
)

type persistedState struct {
	Version      int                          `json:"version"`
	Participants []model.Participant          `json:"participants"`
	Invites      []model.Invite               `json:"invites"`
	Connections  []model.Connection           `json:"connections"`
	Blocks       map[string]map[string]int64  `json:"blocks"`
	Signals      []model.StoredSignal         `json:"signals"`
	SavedAt      int64                        `json:"savedAt"`
}

func (s *state) loadIfConfigured() {
	if s.stateFile == "" {
		return
	}
	if err := s.loadFromFile(s.stateFile); err != nil {
		log.Printf("circle persistence: load failed (%s): %v", s.stateFile, err)
	}
}

func (s *state) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported circle state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range file.Participants {
		if p.ID == "" {
			continue
		}
		s.participantsByID[p.ID] = p
	}
	for _, inv := range file.Invites {
		if inv.Token == "" || inv.InviterID == "" {
			continue
		}
		s.invitesByToken[inv.Token] = inv
	}
	for _, c := range file.Connections {
		if c.ID == "" || c.LocalParticipantID == "" || c.RemoteParticipantID == "" {
			continue
		}
		s.connectionsByID[c.ID] = c
		s.connIDByPair[pairKey(c.LocalParticipantID, c.RemoteParticipantID)] = c.ID
	}
	for owner, set := range file.Blocks {
		if owner == "" || len(set) == 0 {
			continue
		}
		s.blocksByOwner[owner] = set
	}
	for _, sig := range file.Signals {
		if sig.OwnerID == "" {
			continue
		}
		s.signalsByOwner[sig.OwnerID] = sig
	}
	return nil
}

func (s *state) snapshotLocked() *persistedState {
	snap := &persistedState{
		Version:      1,
		Participants: make([]model.Participant, 0, len(s.participantsByID)),
		Invites:      make([]model.Invite, 0, len(s.invitesByToken)),
		Connections:  make([]model.Connection, 0, len(s.connectionsByID)),
		Blocks:       make(map[string]map[string]int64, len(s.blocksByOwner)),
		Signals:      make([]model.StoredSignal, 0, len(s.signalsByOwner)),
		SavedAt:      time.Now().UnixMilli(),
	}
	for _, p := range s.participantsByID {
		snap.Participants = append(snap.Participants, p)
	}
	for _, inv := range s.invitesByToken {
		snap.Invites = append(snap.Invites, inv)
	}
	for _, c := range s.connectionsByID {
		snap.Connections = append(snap.Connections, c)
	}
	for owner, set := range s.blocksByOwner {
		copied := make(map[string]int64, len(set))
		for id, at := range set {
			copied[id] = at
		}
		snap.Blocks[owner] = copied
	}
	for _, sig := range s.signalsByOwner {
		snap.Signals = append(snap.Signals, sig)
	}
	sortConnections(snap.Connections)
	return snap
}

func (s *state) persistSnapshot(snap *persistedState) {
	path := s.stateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("circle persistence: mkdir failed (%s): %v", dir, err)
		return
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("circle persistence: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("circle persistence: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("circle persistence: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("circle persistence: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("circle persistence: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("circle persistence: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("circle persistence: rename failed: %v", err)
		return
	}
}
