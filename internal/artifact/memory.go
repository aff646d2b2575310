package artifact

import (
	"bytes"
	"cdpipeline/internal/apperrors"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryEntry struct {
	artifact Artifact
	data     []byte
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Put reads body fully before publishing it, so a failed read stores nothing.
func (s *MemoryStore) Put(ctx context.Context, ref Ref, producer string, body io.Reader) (Artifact, error) {
	if err := ValidateName("name", ref.Name); err != nil {
		return Artifact{}, err
	}
	key := ref.Key()

	s.mu.RLock()
	_, exists := s.entries[key]
	s.mu.RUnlock()
	if exists {
		return Artifact{}, apperrors.Conflict("artifact", key, fmt.Sprintf("artifact %s already written", key))
	}

	var buf bytes.Buffer
	size, digest, err := Spool(&buf, body)
	if err != nil {
		return Artifact{}, apperrors.Internal("artifact.put", err)
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		Name:      ref.Name,
		RunID:     ref.RunID,
		Producer:  producer,
		Handle:    "memory://" + key,
		Size:      size,
		Digest:    digest,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return Artifact{}, apperrors.Conflict("artifact", key, fmt.Sprintf("artifact %s already written", key))
	}
	s.entries[key] = memoryEntry{artifact: a, data: buf.Bytes()}
	return a, nil
}

// Open returns a reader over the stored bytes.
func (s *MemoryStore) Open(_ context.Context, a Artifact) (io.ReadCloser, error) {
	key := Ref{RunID: a.RunID, Name: a.Name}.Key()

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.ArtifactUnavailable(a.Name)
	}
	return io.NopCloser(bytes.NewReader(entry.data)), nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *MemoryStore) Delete(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ref.Key())
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
