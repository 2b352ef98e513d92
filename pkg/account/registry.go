package account

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/arzzra/sipcall/pkg/call"
)

// ShardCount количество шардов реестра, должно быть степенью 2
const ShardCount = 32

type registryShard struct {
	sessions map[int]*call.Session
	mutex    sync.RWMutex
}

// Registry реестр сессий аккаунта по id звонка движка.
//
// Сессии распределяются по шардам по хэшу id, у каждого шарда свой мьютекс,
// поэтому события разных звонков не конкурируют за одну блокировку.
// Методы сессии никогда не вызываются под блокировкой шарда.
type Registry struct {
	shards [ShardCount]*registryShard
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sessions: make(map[int]*call.Session)}
	}
	return r
}

func (r *Registry) getShard(callID int) *registryShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(callID))

	hasher := fnv.New32a()
	hasher.Write(buf[:])

	return r.shards[hasher.Sum32()&(ShardCount-1)]
}

// Add регистрирует сессию. Возвращает false, если id уже занят.
func (r *Registry) Add(session *call.Session) bool {
	shard := r.getShard(session.ID())
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.sessions[session.ID()]; exists {
		return false
	}
	shard.sessions[session.ID()] = session
	return true
}

// Get возвращает сессию по id
func (r *Registry) Get(callID int) (*call.Session, bool) {
	shard := r.getShard(callID)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	session, ok := shard.sessions[callID]
	return session, ok
}

// Delete удаляет сессию, возвращает true если она была
func (r *Registry) Delete(callID int) bool {
	shard := r.getShard(callID)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	_, exists := shard.sessions[callID]
	if exists {
		delete(shard.sessions, callID)
	}
	return exists
}

// Count количество зарегистрированных сессий
func (r *Registry) Count() int {
	count := 0
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		count += len(r.shards[i].sessions)
		r.shards[i].mutex.RUnlock()
	}
	return count
}

// Snapshot копия всех сессий, отсортированная по id
func (r *Registry) Snapshot() []*call.Session {
	var all []*call.Session
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		for _, session := range r.shards[i].sessions {
			all = append(all, session)
		}
		r.shards[i].mutex.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all
}

// ShardStats распределение сессий по шардам
func (r *Registry) ShardStats() map[int]int {
	stats := make(map[int]int)
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		stats[i] = len(r.shards[i].sessions)
		r.shards[i].mutex.RUnlock()
	}
	return stats
}
