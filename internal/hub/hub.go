// Package hub fans change notifications out to a participant's live
// websocket sessions. Events name only the type and the receiver's own
// connection id; signal payloads never travel through here.
package hub

import (
	"encoding/json"
	"sync"

	"circles-server/internal/circles"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Session struct {
	ParticipantID string
	Writer        Writer
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func New() *Hub {
	return &Hub{sessions: make(map[string]map[*Session]struct{})}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ParticipantID] == nil {
		h.sessions[s.ParticipantID] = make(map[*Session]struct{})
	}
	h.sessions[s.ParticipantID][s] = struct{}{}
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.sessions[s.ParticipantID]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.ParticipantID)
	}
}

// Publish implements circles.Events. Marshal failures are impossible for
// the event shape, so the message is dropped silently on error.
func (h *Hub) Publish(participantID string, event circles.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.Broadcast(participantID, message)
}

func (h *Hub) Broadcast(participantID string, message []byte) {
	h.mu.RLock()
	set := h.sessions[participantID]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	var failed []*Session
	for _, s := range sessions {
		if err := s.Writer.Write(message); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		_ = s.Writer.Close()
		h.Unregister(s)
	}
}
