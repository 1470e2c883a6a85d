package store

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kayyum-khan/integration-framework/internal/adapter"
)

type backendContext struct {
	SessionID        string `json:"sessionId"`
	BackendSessionID string `json:"backendSessionId"`
}

// CreateClientSession stores the session and hands back a generated backend
// context. Creating a session the same user and device already hold
// replaces it and keeps the backend context.
func (s *Store) CreateClientSession(_ context.Context, userID, deviceID, sessionID string, session json.RawMessage) (json.RawMessage, error) {
	if err := adapter.ValidateIdentifier("session id", sessionID); err != nil {
		return nil, &adapter.StatusError{Code: http.StatusBadRequest, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		if existing.UserID != userID || existing.DeviceID != deviceID {
			return nil, adapter.Statusf(http.StatusConflict, "session %s belongs to another device", sessionID)
		}
		existing.Session = cloneJSON(session)
		existing.Revision = 1
		s.saveLocked()
		return cloneJSON(existing.BackendContext), nil
	}
	ctxJSON, err := json.Marshal(backendContext{SessionID: sessionID, BackendSessionID: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	s.sessions[sessionID] = &storedSession{
		ID:             sessionID,
		UserID:         userID,
		DeviceID:       deviceID,
		Revision:       1,
		Session:        cloneJSON(session),
		BackendContext: ctxJSON,
		Created:        s.now().UTC(),
	}
	s.saveLocked()
	s.logger.Info("client session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("device_id", deviceID))
	return cloneJSON(ctxJSON), nil
}

func (s *Store) UpdateClientSession(_ context.Context, userID, _, sessionID string, session json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.sessionLocked(userID, sessionID)
	if err != nil {
		return err
	}
	existing.Session = cloneJSON(session)
	existing.Revision++
	s.saveLocked()
	return nil
}

func (s *Store) RemoveClientSession(_ context.Context, userID, _, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessionLocked(userID, sessionID); err != nil {
		return err
	}
	delete(s.sessions, sessionID)
	s.saveLocked()
	s.logger.Info("client session removed", zap.String("session_id", sessionID))
	return nil
}

// Logout drops every session of the user.
func (s *Store) Logout(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.saveLocked()
	}
	s.logger.Info("user logged out", zap.String("user_id", userID), zap.Int("sessions", removed))
	return nil
}

// ClientSession returns the stored session document and its backend
// context.
func (s *Store) ClientSession(sessionID string) (session, backend json.RawMessage, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	return cloneJSON(stored.Session), cloneJSON(stored.BackendContext), true
}

// sessionLocked finds a session. Sessions of other users are reported as
// missing.
func (s *Store) sessionLocked(userID, sessionID string) (*storedSession, error) {
	existing, ok := s.sessions[sessionID]
	if !ok || (userID != "" && existing.UserID != userID) {
		return nil, adapter.Statusf(http.StatusNotFound, "session %s", sessionID)
	}
	return existing, nil
}
