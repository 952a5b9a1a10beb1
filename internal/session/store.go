// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session holds conversation state. Each session keeps a bounded
// message history and allows at most one in-flight turn at a time.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/provider"
)

// ErrSessionBusy is returned when a turn is already in flight.
var ErrSessionBusy = errors.New("session has a turn in flight")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`

	messages []provider.Message
	inFlight bool
}

// Summary is the listing form of a session.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
	Busy         bool      `json:"busy"`
}

// Store manages sessions. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxMessages int
}

// NewStore creates a Store bounding each session at maxMessages entries.
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	return &Store{
		sessions:    make(map[string]*Session),
		maxMessages: maxMessages,
	}
}

// Create opens a new session and returns its id.
func (s *Store) Create() string {
	id := "session_" + uuid.New().String()[:8]
	now := time.Now()
	s.mu.Lock()
	s.sessions[id] = &Session{ID: id, CreatedAt: now, LastActive: now}
	s.mu.Unlock()
	return id
}

// GetOrCreate returns the session with the given id, creating it on first
// use so clients may mint their own ids.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := time.Now()
	sess := &Session{ID: id, CreatedAt: now, LastActive: now}
	s.sessions[id] = sess
	return sess
}

// TryBeginTurn marks the session busy. It fails with ErrSessionBusy when a
// turn is already in flight: the invariant is at most one turn per session.
func (s *Store) TryBeginTurn(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.inFlight {
		return ErrSessionBusy
	}
	sess.inFlight = true
	sess.LastActive = time.Now()
	return nil
}

// EndTurn clears the busy flag.
func (s *Store) EndTurn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.inFlight = false
		sess.LastActive = time.Now()
	}
}

// Append adds messages to the session history, evicting the oldest
// non-system messages beyond the bound (FIFO).
func (s *Store) Append(id string, msgs ...provider.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.messages = append(sess.messages, msgs...)
	sess.LastActive = time.Now()

	overflow := len(sess.messages) - s.maxMessages
	if overflow <= 0 {
		return nil
	}
	kept := make([]provider.Message, 0, s.maxMessages)
	for _, m := range sess.messages {
		if overflow > 0 && m.Role != provider.RoleSystem {
			overflow--
			continue
		}
		kept = append(kept, m)
	}
	sess.messages = kept
	return nil
}

// History returns a copy of the session's messages.
func (s *Store) History(id string) ([]provider.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]provider.Message(nil), sess.messages...), nil
}

// List returns summaries of all sessions.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ID:           sess.ID,
			CreatedAt:    sess.CreatedAt,
			LastActive:   sess.LastActive,
			MessageCount: len(sess.messages),
			Busy:         sess.inFlight,
		})
	}
	return out
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
