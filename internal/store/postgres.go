package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetChunk(ctx context.Context, userID, collection, chunkID string) (Chunk, error) {
	const query = `
		SELECT encrypted_data, iv, metadata, version, updated_at
		FROM chunks
		WHERE user_id = $1 AND collection_name = $2 AND chunk_id = $3
	`
	chunk := Chunk{UserID: userID, CollectionName: collection, ChunkID: chunkID}
	err := s.db.QueryRowContext(ctx, query, userID, collection, chunkID).
		Scan(&chunk.EncryptedData, &chunk.IV, &chunk.Metadata, &chunk.Version, &chunk.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk: %w", err)
	}
	return chunk, nil
}

// UpsertChunk creates the chunk at version 1 or replaces its payload at
// version+1. The conflict clause is a single atomic statement, so
// concurrent upserts on the same identity cannot lose a version
// increment. updated_at is clamped non-decreasing.
func (s *PostgresStore) UpsertChunk(ctx context.Context, in UpsertInput) (Chunk, error) {
	const query = `
		INSERT INTO chunks (user_id, collection_name, chunk_id, encrypted_data, iv, metadata, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
		ON CONFLICT (user_id, collection_name, chunk_id) DO UPDATE SET
			encrypted_data = EXCLUDED.encrypted_data,
			iv             = EXCLUDED.iv,
			metadata       = EXCLUDED.metadata,
			version        = chunks.version + 1,
			updated_at     = GREATEST(NOW(), chunks.updated_at)
		RETURNING version, updated_at
	`
	chunk := Chunk{
		UserID:         in.UserID,
		CollectionName: in.CollectionName,
		ChunkID:        in.ChunkID,
		EncryptedData:  in.EncryptedData,
		IV:             in.IV,
		Metadata:       in.Metadata,
	}
	err := s.db.QueryRowContext(ctx, query,
		in.UserID, in.CollectionName, in.ChunkID, in.EncryptedData, in.IV, in.Metadata).
		Scan(&chunk.Version, &chunk.UpdatedAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("upsert chunk: %w", err)
	}
	return chunk, nil
}

// PatchChunk updates only the supplied fields in one conditional UPDATE.
// The version increments even when no field is supplied.
func (s *PostgresStore) PatchChunk(ctx context.Context, in PatchInput) (Chunk, error) {
	const query = `
		UPDATE chunks SET
			encrypted_data = CASE WHEN $4 THEN $5::bytea ELSE encrypted_data END,
			iv             = CASE WHEN $6 THEN $7::bytea ELSE iv END,
			metadata       = CASE WHEN $8 THEN $9::text ELSE metadata END,
			version        = version + 1,
			updated_at     = GREATEST(NOW(), updated_at)
		WHERE user_id = $1 AND collection_name = $2 AND chunk_id = $3
		RETURNING encrypted_data, iv, metadata, version, updated_at
	`
	chunk := Chunk{UserID: in.UserID, CollectionName: in.CollectionName, ChunkID: in.ChunkID}
	err := s.db.QueryRowContext(ctx, query,
		in.UserID, in.CollectionName, in.ChunkID,
		in.SetData, in.EncryptedData,
		in.SetIV, in.IV,
		in.SetMetadata, in.Metadata).
		Scan(&chunk.EncryptedData, &chunk.IV, &chunk.Metadata, &chunk.Version, &chunk.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("patch chunk: %w", err)
	}
	return chunk, nil
}

// DeleteChunk removes the chunk if present. Deleting a missing chunk is
// a no-op, not an error.
func (s *PostgresStore) DeleteChunk(ctx context.Context, userID, collection, chunkID string) error {
	const query = `
		DELETE FROM chunks
		WHERE user_id = $1 AND collection_name = $2 AND chunk_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, userID, collection, chunkID); err != nil {
		return fmt.Errorf("delete chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, userID, collection string) ([]ChunkSummary, error) {
	const query = `
		SELECT chunk_id, metadata, version, updated_at
		FROM chunks
		WHERE user_id = $1 AND collection_name = $2
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, collection)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var items []ChunkSummary
	for rows.Next() {
		var item ChunkSummary
		if err := rows.Scan(&item.ChunkID, &item.Metadata, &item.Version, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return items, nil
}

// ChunksSince returns full records updated strictly after since, ascending
// by updated_at. A nil collection spans every collection of the user; a
// nil since returns the full history.
func (s *PostgresStore) ChunksSince(ctx context.Context, userID string, collection *string, since *time.Time) ([]Chunk, error) {
	query := `
		SELECT user_id, collection_name, chunk_id, encrypted_data, iv, metadata, version, updated_at
		FROM chunks
		WHERE user_id = $1
	`
	args := []any{userID}
	if collection != nil {
		args = append(args, *collection)
		query += " AND collection_name = $" + strconv.Itoa(len(args))
	}
	if since != nil {
		args = append(args, *since)
		query += " AND updated_at > $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY updated_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks since: %w", err)
	}
	defer rows.Close()

	var items []Chunk
	for rows.Next() {
		var chunk Chunk
		if err := rows.Scan(&chunk.UserID, &chunk.CollectionName, &chunk.ChunkID,
			&chunk.EncryptedData, &chunk.IV, &chunk.Metadata, &chunk.Version, &chunk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		items = append(items, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunks since: %w", err)
	}
	return items, nil
}

// ListCollections aggregates the user's chunks by collection name.
// Grouping only; callers must not depend on ordering.
func (s *PostgresStore) ListCollections(ctx context.Context, userID string) ([]CollectionStat, error) {
	const query = `
		SELECT collection_name, COUNT(*), MAX(updated_at)
		FROM chunks
		WHERE user_id = $1
		GROUP BY collection_name
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var stats []CollectionStat
	for rows.Next() {
		var stat CollectionStat
		if err := rows.Scan(&stat.Name, &stat.ChunkCount, &stat.LatestUpdated); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return stats, nil
}
