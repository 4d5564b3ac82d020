package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/snapshot"
)

// ClusterSource serves a snapshot kept in memory.
type ClusterSource struct {
	mu   sync.RWMutex
	snap *snapshot.Snapshot
}

// NewClusterSource creates a source serving snap.
func NewClusterSource(snap *snapshot.Snapshot) *ClusterSource {
	return &ClusterSource{snap: snap}
}

// Set replaces the served snapshot.
func (s *ClusterSource) Set(snap *snapshot.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Snapshot returns a copy of the current snapshot.
func (s *ClusterSource) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snap == nil {
		return nil, domain.ErrNotFound
	}
	// deep copy through the YAML form
	var buf bytes.Buffer
	if err := s.snap.Encode(&buf); err != nil {
		return nil, err
	}
	return snapshot.Decode(&buf)
}
