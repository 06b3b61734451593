package memory

import (
	"sort"
	"sync"

	"circles-server/internal/model"
)

type state struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex

	participantsByID map[string]model.Participant
	invitesByToken   map[string]model.Invite
	connectionsByID  map[string]model.Connection
	connIDByPair     map[string]string // localID + "|" + remoteID -> connectionID
	blocksByOwner    map[string]map[string]int64
	signalsByOwner   map[string]model.StoredSignal
}

func newState(stateFile string) *state {
	s := &state{
		stateFile:        stateFile,
		participantsByID: make(map[string]model.Participant),
		invitesByToken:   make(map[string]model.Invite),
		connectionsByID:  make(map[string]model.Connection),
		connIDByPair:     make(map[string]string),
		blocksByOwner:    make(map[string]map[string]int64),
		signalsByOwner:   make(map[string]model.StoredSignal),
	}
	s.loadIfConfigured()
	return s
}

// mutate runs fn under the write lock and, when a state file is configured,
// persists a snapshot after releasing it.
func (s *state) mutate(fn func()) {
	s.mu.Lock()
	fn()
	var snap *persistedState
	if s.stateFile != "" {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if snap != nil {
		s.persistSnapshot(snap)
	}
}

func sortConnections(conns []model.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].CreatedAt != conns[j].CreatedAt {
			return conns[i].CreatedAt < conns[j].CreatedAt
		}
		return conns[i].ID < conns[j].ID
	})
}

func sortBlocks(blocks []model.BlockedUser) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockedParticipantID < blocks[j].BlockedParticipantID
	})
}
