package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	userID     string
	collection string
	chunkID    string
}

// MemoryStore keeps chunks in process memory behind a single mutex. It
// backs the dev mode (no database configured) and the HTTP/service tests.
type MemoryStore struct {
	mu     sync.Mutex
	chunks map[memoryKey]Chunk
	lastTS time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[memoryKey]Chunk),
		now:    time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// nextTimestamp returns a write timestamp that is strictly greater than
// every timestamp handed out before, so updated_at never regresses and
// sync ordering stays well defined even for writes within one clock tick.
// Callers must hold s.mu.
func (s *MemoryStore) nextTimestamp() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

func (s *MemoryStore) GetChunk(ctx context.Context, userID, collection, chunkID string) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[memoryKey{userID, collection, chunkID}]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	return cloneChunk(chunk), nil
}

func (s *MemoryStore) UpsertChunk(ctx context.Context, in UpsertInput) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{in.UserID, in.CollectionName, in.ChunkID}
	version := 1
	if existing, ok := s.chunks[key]; ok {
		version = existing.Version + 1
	}
	chunk := Chunk{
		UserID:         in.UserID,
		CollectionName: in.CollectionName,
		ChunkID:        in.ChunkID,
		EncryptedData:  append([]byte(nil), in.EncryptedData...),
		IV:             append([]byte(nil), in.IV...),
		Metadata:       cloneMetadata(in.Metadata),
		Version:        version,
		UpdatedAt:      s.nextTimestamp(),
	}
	s.chunks[key] = chunk
	return cloneChunk(chunk), nil
}

func (s *MemoryStore) PatchChunk(ctx context.Context, in PatchInput) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{in.UserID, in.CollectionName, in.ChunkID}
	chunk, ok := s.chunks[key]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	if in.SetData {
		chunk.EncryptedData = append([]byte(nil), in.EncryptedData...)
	}
	if in.SetIV {
		chunk.IV = append([]byte(nil), in.IV...)
	}
	if in.SetMetadata {
		chunk.Metadata = cloneMetadata(in.Metadata)
	}
	chunk.Version++
	chunk.UpdatedAt = s.nextTimestamp()
	s.chunks[key] = chunk
	return cloneChunk(chunk), nil
}

func (s *MemoryStore) DeleteChunk(ctx context.Context, userID, collection, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, memoryKey{userID, collection, chunkID})
	return nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, userID, collection string) ([]ChunkSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []ChunkSummary
	for key, chunk := range s.chunks {
		if key.userID != userID || key.collection != collection {
			continue
		}
		items = append(items, ChunkSummary{
			ChunkID:   chunk.ChunkID,
			Metadata:  cloneMetadata(chunk.Metadata),
			Version:   chunk.Version,
			UpdatedAt: chunk.UpdatedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) ChunksSince(ctx context.Context, userID string, collection *string, since *time.Time) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []Chunk
	for key, chunk := range s.chunks {
		if key.userID != userID {
			continue
		}
		if collection != nil && key.collection != *collection {
			continue
		}
		if since != nil && !chunk.UpdatedAt.After(*since) {
			continue
		}
		items = append(items, cloneChunk(chunk))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) ListCollections(ctx context.Context, userID string) ([]CollectionStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grouped := make(map[string]*CollectionStat)
	for key, chunk := range s.chunks {
		if key.userID != userID {
			continue
		}
		stat, ok := grouped[key.collection]
		if !ok {
			stat = &CollectionStat{Name: key.collection}
			grouped[key.collection] = stat
		}
		stat.ChunkCount++
		if chunk.UpdatedAt.After(stat.LatestUpdated) {
			stat.LatestUpdated = chunk.UpdatedAt
		}
	}

	stats := make([]CollectionStat, 0, len(grouped))
	for _, stat := range grouped {
		stats = append(stats, *stat)
	}
	return stats, nil
}

func cloneChunk(chunk Chunk) Chunk {
	chunk.EncryptedData = append([]byte(nil), chunk.EncryptedData...)
	chunk.IV = append([]byte(nil), chunk.IV...)
	chunk.Metadata = cloneMetadata(chunk.Metadata)
	return chunk
}

func cloneMetadata(metadata *string) *string {
	if metadata == nil {
		return nil
	}
	value := *metadata
	return &value
}
