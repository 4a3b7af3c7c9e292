package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memorySaver implements Saver with in-memory storage.
//
// Thread-safe via sync.RWMutex. Checkpoints are lost when the process
// terminates; suitable for development, testing, and single-process
// interrupt/resume, not for crash recovery.
type memorySaver struct {
	mu         sync.RWMutex
	executions map[string][]Checkpoint
}

// NewMemorySaver creates a Saver backed by process memory. It is
// registered by default as "memory":
//
//	cfg := config.DefaultEngineConfig("workflow")
//	cfg.Checkpoint.Saver = "memory"
//	cfg.Checkpoint.Interval = 5
func NewMemorySaver() Saver {
	return &memorySaver{executions: make(map[string][]Checkpoint)}
}

func (m *memorySaver) Save(_ context.Context, executionID string, generation int, channels map[string]json.RawMessage, metadata Metadata) (string, error) {
	cp := Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Generation:  generation,
		CreatedAt:   time.Now().UTC(),
		Channels:    make(map[string]json.RawMessage, len(channels)),
		Metadata:    metadata,
	}
	for name, raw := range channels {
		cp.Channels[name] = append(json.RawMessage(nil), raw...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[executionID] = append(m.executions[executionID], cp)
	return cp.ID, nil
}

func (m *memorySaver) Load(_ context.Context, executionID, checkpointID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.executions[executionID]
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}

	if checkpointID == "" {
		latest := cps[0]
		for _, cp := range cps[1:] {
			if newer(cp, latest) {
				latest = cp
			}
		}
		return latest, true, nil
	}

	for _, cp := range cps {
		if cp.ID == checkpointID {
			return cp, true, nil
		}
	}
	return Checkpoint{}, false, nil
}

func (m *memorySaver) List(_ context.Context, executionID string, limit int) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.executions[executionID]
	out := make([]Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, describe(cp))
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memorySaver) Delete(_ context.Context, executionID, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if checkpointID == "" {
		delete(m.executions, executionID)
		return nil
	}

	cps := m.executions[executionID]
	for i, cp := range cps {
		if cp.ID == checkpointID {
			m.executions[executionID] = append(cps[:i], cps[i+1:]...)
			return nil
		}
	}
	return nil
}
