package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

// MemoryBlobStore is the test and DB-less stand-in for S3. It uses the
// same content-addressed blob IDs as the real store.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (s *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	blobID := "sha256:" + hex.EncodeToString(digest[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[blobID]; !ok {
		s.blobs[blobID] = append([]byte(nil), data...)
	}
	return blobID, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, blobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[blobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
