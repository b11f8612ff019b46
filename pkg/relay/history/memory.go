// Package history persists completed voice turns. The Postgres store is
// used when a database is configured; Memory covers tests and DB-less
// deployments.
package history

import (
	"context"
	"sync"

	"github.com/voxlane/voicerelay/pkg/relay/session"
)

const defaultMemoryLimit = 1024

// Memory is a bounded in-memory turn store. When full it evicts the
// oldest record.
type Memory struct {
	mu   sync.RWMutex
	max  int
	recs []session.TurnRecord
}

var _ session.TurnRecorder = (*Memory)(nil)

func NewMemory(max int) *Memory {
	if max <= 0 {
		max = defaultMemoryLimit
	}
	return &Memory{max: max}
}

// RecordTurn implements session.TurnRecorder.
func (m *Memory) RecordTurn(rec session.TurnRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	if len(m.recs) > m.max {
		m.recs = append(m.recs[:0:0], m.recs[len(m.recs)-m.max:]...)
	}
}

// RecentTurns returns up to limit records, newest first. An empty
// sessionID matches every session.
func (m *Memory) RecentTurns(_ context.Context, sessionID string, limit int) ([]session.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]session.TurnRecord, 0, limit)
	for i := len(m.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID != "" && m.recs[i].SessionID != sessionID {
			continue
		}
		out = append(out, m.recs[i])
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
