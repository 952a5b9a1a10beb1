// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/provider"
)

func TestStore_CreateAndHistory(t *testing.T) {
	s := NewStore(10)
	id := s.Create()
	assert.Contains(t, id, "session_")

	require.NoError(t, s.Append(id,
		provider.Message{Role: provider.RoleUser, Content: "hi"},
		provider.Message{Role: provider.RoleAssistant, Content: "hello"},
	))

	history, err := s.History(id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
}

func TestStore_HistoryIsACopy(t *testing.T) {
	s := NewStore(10)
	id := s.Create()
	require.NoError(t, s.Append(id, provider.Message{Role: provider.RoleUser, Content: "original"}))

	history, _ := s.History(id)
	history[0].Content = "mutated"

	again, _ := s.History(id)
	assert.Equal(t, "original", again[0].Content)
}

func TestStore_FIFOEvictionKeepsSystemMessages(t *testing.T) {
	s := NewStore(5)
	id := s.Create()

	require.NoError(t, s.Append(id, provider.Message{Role: provider.RoleSystem, Content: "sys"}))
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Append(id, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("msg %d", i),
		}))
	}

	history, err := s.History(id)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	// The system message survives; the oldest user messages are gone.
	assert.Equal(t, provider.RoleSystem, history[0].Role)
	assert.Equal(t, "msg 4", history[1].Content)
	assert.Equal(t, "msg 7", history[4].Content)
}

func TestStore_SingleInFlightTurn(t *testing.T) {
	s := NewStore(10)
	id := s.Create()

	require.NoError(t, s.TryBeginTurn(id))
	assert.ErrorIs(t, s.TryBeginTurn(id), ErrSessionBusy)

	s.EndTurn(id)
	assert.NoError(t, s.TryBeginTurn(id))
}

func TestStore_ConcurrentBeginTurn(t *testing.T) {
	s := NewStore(10)
	id := s.Create()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryBeginTurn(id) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestStore_UnknownSession(t *testing.T) {
	s := NewStore(10)
	assert.ErrorIs(t, s.TryBeginTurn("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, s.Append("nope"), ErrSessionNotFound)
	_, err := s.History("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_GetOrCreate(t *testing.T) {
	s := NewStore(10)
	a := s.GetOrCreate("client-chosen-id")
	b := s.GetOrCreate("client-chosen-id")
	assert.Same(t, a, b)
}

func TestStore_ListAndDelete(t *testing.T) {
	s := NewStore(10)
	id := s.Create()
	require.NoError(t, s.Append(id, provider.Message{Role: provider.RoleUser, Content: "x"}))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MessageCount)

	s.Delete(id)
	assert.Empty(t, s.List())
}
