package app

import (
	"context"
	"time"

	"vaultsync/api/internal/store"
)

type chunkStore interface {
	Ping(context.Context) error
	GetChunk(ctx context.Context, userID, collection, chunkID string) (store.Chunk, error)
	UpsertChunk(context.Context, store.UpsertInput) (store.Chunk, error)
	PatchChunk(context.Context, store.PatchInput) (store.Chunk, error)
	DeleteChunk(ctx context.Context, userID, collection, chunkID string) error
	ListChunks(ctx context.Context, userID, collection string) ([]store.ChunkSummary, error)
	ChunksSince(ctx context.Context, userID string, collection *string, since *time.Time) ([]store.Chunk, error)
	ListCollections(ctx context.Context, userID string) ([]store.CollectionStat, error)
}

// Service exposes the chunk operations and the sync protocol on top of a
// chunk store.
type Service struct {
	store chunkStore
	now   func() time.Time
}

func New(chunks chunkStore) *Service {
	return &Service{store: chunks, now: time.Now}
}

// SyncResult is one incremental-sync response: the changed chunks in
// ascending updated_at order plus the watermark the client should replay
// on its next call.
type SyncResult struct {
	Chunks     []store.Chunk
	LatestSync time.Time
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) GetChunk(ctx context.Context, userID, collection, chunkID string) (store.Chunk, error) {
	return s.store.GetChunk(ctx, userID, collection, chunkID)
}

func (s *Service) UpsertChunk(ctx context.Context, in store.UpsertInput) (store.Chunk, error) {
	return s.store.UpsertChunk(ctx, in)
}

func (s *Service) PatchChunk(ctx context.Context, in store.PatchInput) (store.Chunk, error) {
	return s.store.PatchChunk(ctx, in)
}

func (s *Service) DeleteChunk(ctx context.Context, userID, collection, chunkID string) error {
	return s.store.DeleteChunk(ctx, userID, collection, chunkID)
}

func (s *Service) ListChunks(ctx context.Context, userID, collection string) ([]store.ChunkSummary, error) {
	return s.store.ListChunks(ctx, userID, collection)
}

func (s *Service) ListCollections(ctx context.Context, userID string) ([]store.CollectionStat, error) {
	return s.store.ListCollections(ctx, userID)
}

// SyncCollection returns every chunk in one collection updated strictly
// after since.
func (s *Service) SyncCollection(ctx context.Context, userID, collection string, since *time.Time) (SyncResult, error) {
	return s.syncSince(ctx, userID, &collection, since)
}

// SyncAll returns every chunk across all of the user's collections
// updated strictly after since.
func (s *Service) SyncAll(ctx context.Context, userID string, since *time.Time) (SyncResult, error) {
	return s.syncSince(ctx, userID, nil, since)
}

func (s *Service) syncSince(ctx context.Context, userID string, collection *string, since *time.Time) (SyncResult, error) {
	chunks, err := s.store.ChunksSince(ctx, userID, collection, since)
	if err != nil {
		return SyncResult{}, err
	}

	// Watermark rule: the max updated_at over every returned chunk, not
	// just the last one in sort order. With no new chunks the previous
	// watermark is echoed back unchanged; without a previous watermark
	// the current time is the baseline, so the client never has to
	// resync from the beginning of time.
	var latest time.Time
	switch {
	case len(chunks) > 0:
		latest = chunks[0].UpdatedAt
		for _, chunk := range chunks[1:] {
			if chunk.UpdatedAt.After(latest) {
				latest = chunk.UpdatedAt
			}
		}
	case since != nil:
		latest = *since
	default:
		latest = s.now().UTC()
	}

	return SyncResult{Chunks: chunks, LatestSync: latest}, nil
}
