package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// fileSaver implements Saver on the filesystem. Each checkpoint is one
// JSON document at root/<executionID>/<checkpointID>.json, written via a
// temp file and rename so readers never observe a partial document.
type fileSaver struct {
	root string
}

// NewFileSaver creates a Saver rooted at dir. The directory is created
// lazily on first Save.
func NewFileSaver(dir string) Saver {
	return &fileSaver{root: dir}
}

func (s *fileSaver) path(executionID, checkpointID string) string {
	return filepath.Join(s.root, executionID, checkpointID+".json")
}

func (s *fileSaver) Save(_ context.Context, executionID string, generation int, channels map[string]json.RawMessage, metadata Metadata) (string, error) {
	cp := Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Generation:  generation,
		CreatedAt:   time.Now().UTC(),
		Channels:    channels,
		Metadata:    metadata,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	dir := filepath.Join(s.root, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := os.Rename(tmpName, s.path(executionID, cp.ID)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	return cp.ID, nil
}

func (s *fileSaver) Load(ctx context.Context, executionID, checkpointID string) (Checkpoint, bool, error) {
	if checkpointID == "" {
		cps, err := s.readAll(executionID)
		if err != nil {
			return Checkpoint{}, false, err
		}
		if len(cps) == 0 {
			return Checkpoint{}, false, nil
		}
		sort.Slice(cps, func(i, j int) bool { return newer(cps[i], cps[j]) })
		return cps[0], true, nil
	}

	data, err := os.ReadFile(s.path(executionID, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return cp, true, nil
}

func (s *fileSaver) List(_ context.Context, executionID string, limit int) ([]Checkpoint, error) {
	cps, err := s.readAll(executionID)
	if err != nil {
		return nil, err
	}

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

func (s *fileSaver) Delete(_ context.Context, executionID, checkpointID string) error {
	if checkpointID == "" {
		if err := os.RemoveAll(filepath.Join(s.root, executionID)); err != nil {
			return fmt.Errorf("delete failed: %s: %w", executionID, err)
		}
		return nil
	}
	if err := os.Remove(s.path(executionID, checkpointID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete failed: %s: %w", checkpointID, err)
	}
	return nil
}

func (s *fileSaver) readAll(executionID string) ([]Checkpoint, error) {
	dir := filepath.Join(s.root, executionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	var cps []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, entry.Name(), err)
		}
		cps = append(cps, cp)
	}
	return cps, nil
}
