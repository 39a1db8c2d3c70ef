package app

import (
	"context"
	"testing"
	"time"

	"vaultsync/api/internal/store"
)

func seedChunk(t *testing.T, svc *Service, user, collection, chunkID string) store.Chunk {
	t.Helper()
	chunk, err := svc.UpsertChunk(context.Background(), store.UpsertInput{
		UserID:         user,
		CollectionName: collection,
		ChunkID:        chunkID,
		EncryptedData:  []byte{1, 2},
		IV:             []byte{3},
	})
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	return chunk
}

func TestSyncWatermarkIsMaxUpdatedAt(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ctx := context.Background()

	seedChunk(t, svc, "alice", "notes", "a")
	seedChunk(t, svc, "alice", "notes", "b")
	c := seedChunk(t, svc, "alice", "notes", "c")

	result, err := svc.SyncCollection(ctx, "alice", "notes", nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Chunks) != 3 {
		t.Fatalf("expected full history, got %d chunks", len(result.Chunks))
	}
	if !result.LatestSync.Equal(c.UpdatedAt) {
		t.Errorf("watermark should be max updated_at: got %v want %v", result.LatestSync, c.UpdatedAt)
	}
}

func TestSyncCompleteness(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ctx := context.Background()

	a := seedChunk(t, svc, "alice", "notes", "a")
	b := seedChunk(t, svc, "alice", "notes", "b")
	c := seedChunk(t, svc, "alice", "notes", "c")

	// A watermark between a and b must return exactly {b, c} ascending.
	between := a.UpdatedAt.Add(b.UpdatedAt.Sub(a.UpdatedAt) / 2)
	result, err := svc.SyncCollection(ctx, "alice", "notes", &between)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected {b, c}, got %d chunks", len(result.Chunks))
	}
	if result.Chunks[0].ChunkID != "b" || result.Chunks[1].ChunkID != "c" {
		t.Errorf("expected ascending [b c], got [%s %s]", result.Chunks[0].ChunkID, result.Chunks[1].ChunkID)
	}
	if !result.LatestSync.Equal(c.UpdatedAt) {
		t.Errorf("watermark mismatch: got %v want %v", result.LatestSync, c.UpdatedAt)
	}
}

func TestSyncEmptyEchoesSince(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ctx := context.Background()

	c := seedChunk(t, svc, "alice", "notes", "c")

	first, err := svc.SyncCollection(ctx, "alice", "notes", &c.UpdatedAt)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(first.Chunks) != 0 {
		t.Fatalf("expected no chunks at the watermark, got %d", len(first.Chunks))
	}
	if !first.LatestSync.Equal(c.UpdatedAt) {
		t.Errorf("empty sync must echo since: got %v want %v", first.LatestSync, c.UpdatedAt)
	}

	// Replaying the echoed watermark is stable: still empty, still the
	// same watermark.
	second, err := svc.SyncCollection(ctx, "alice", "notes", &first.LatestSync)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if len(second.Chunks) != 0 || !second.LatestSync.Equal(first.LatestSync) {
		t.Errorf("sync is not idempotent at the watermark: %d chunks, %v", len(second.Chunks), second.LatestSync)
	}
}

func TestSyncEmptyWithoutSinceUsesCurrentTime(t *testing.T) {
	svc := New(store.NewMemoryStore())
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	result, err := svc.SyncCollection(context.Background(), "alice", "empty", nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(result.Chunks))
	}
	if !result.LatestSync.Equal(now) {
		t.Errorf("first-ever empty sync should baseline at current time: got %v want %v", result.LatestSync, now)
	}
}

func TestSyncAllSpansCollections(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ctx := context.Background()

	seedChunk(t, svc, "alice", "notes", "n1")
	tag := seedChunk(t, svc, "alice", "tags", "t1")
	seedChunk(t, svc, "bob", "notes", "other")

	result, err := svc.SyncAll(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("sync all failed: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected alice's 2 chunks, got %d", len(result.Chunks))
	}
	for _, chunk := range result.Chunks {
		if chunk.CollectionName == "" {
			t.Errorf("chunk %s missing collection name", chunk.ChunkID)
		}
	}
	if !result.LatestSync.Equal(tag.UpdatedAt) {
		t.Errorf("watermark mismatch: got %v want %v", result.LatestSync, tag.UpdatedAt)
	}
}

func TestSyncScopedToCollection(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ctx := context.Background()

	seedChunk(t, svc, "alice", "notes", "n1")
	seedChunk(t, svc, "alice", "tags", "t1")

	result, err := svc.SyncCollection(ctx, "alice", "notes", nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].ChunkID != "n1" {
		t.Fatalf("expected only notes chunks, got %+v", result.Chunks)
	}
}
