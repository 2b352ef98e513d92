package account

import (
	"sync"
	"testing"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/emitter"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/arzzra/sipcall/pkg/simengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOwner struct{}

func (stubOwner) IDURI() string                   { return "sip:100@example.com" }
func (stubOwner) Realm() string                   { return "example.com" }
func (stubOwner) RemoveCall(int)                  {}
func (stubOwner) SetLastCallStatus(call.StatusCode) {}

func newSessions(t *testing.T, n int) []*call.Session {
	t.Helper()
	e := simengine.New(simengine.Options{Logger: logger.NoOpLogger{}})
	rec := emitter.NewRecorder()

	sessions := make([]*call.Session, 0, n)
	for i := 0; i < n; i++ {
		handle, err := e.NewOutgoingCall()
		require.NoError(t, err)
		s, err := call.NewSession(handle, call.DirectionOutgoing, call.Deps{
			Owner:    stubOwner{},
			Platform: e.Platform(),
			Emitter:  rec,
			Logger:   logger.NoOpLogger{},
		})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	return sessions
}

// TestRegistryBasicOperations проверяет основные операции реестра
func TestRegistryBasicOperations(t *testing.T) {
	r := NewRegistry()
	sessions := newSessions(t, 3)

	for _, s := range sessions {
		require.True(t, r.Add(s))
	}
	assert.False(t, r.Add(sessions[0]), "id уже занят")
	assert.Equal(t, 3, r.Count())

	got, ok := r.Get(sessions[1].ID())
	require.True(t, ok)
	assert.Same(t, sessions[1], got)

	assert.True(t, r.Delete(sessions[1].ID()))
	assert.False(t, r.Delete(sessions[1].ID()))
	_, ok = r.Get(sessions[1].ID())
	assert.False(t, ok)
	assert.Equal(t, 2, r.Count())
}

// TestRegistrySnapshotSorted проверяет порядок снимка
func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	sessions := newSessions(t, 40)
	for i := len(sessions) - 1; i >= 0; i-- {
		require.True(t, r.Add(sessions[i]))
	}

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 40)
	for i := 1; i < len(snapshot); i++ {
		assert.Less(t, snapshot[i-1].ID(), snapshot[i].ID())
	}

	total := 0
	for _, n := range r.ShardStats() {
		total += n
	}
	assert.Equal(t, 40, total)
	assert.Len(t, r.ShardStats(), ShardCount)
}

// TestRegistryConcurrentAccess проверяет конкурентный доступ к реестру
func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	sessions := newSessions(t, 200)

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *call.Session) {
			defer wg.Done()
			r.Add(s)
			r.Get(s.ID())
			r.Count()
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 200, r.Count())

	for _, s := range sessions {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.Delete(id)
		}(s.ID())
	}
	wg.Wait()
	assert.Zero(t, r.Count())
}
