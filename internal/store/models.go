package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no chunk exists for the requested identity.
var ErrNotFound = errors.New("chunk not found")

// Chunk is one client-encrypted record. The server never interprets
// EncryptedData or IV; it only stores them and tracks versioning.
type Chunk struct {
	UserID         string
	CollectionName string
	ChunkID        string
	EncryptedData  []byte
	IV             []byte
	Metadata       *string
	Version        int
	UpdatedAt      time.Time
}

// ChunkSummary is a listing row without the payload bytes.
type ChunkSummary struct {
	ChunkID   string
	Metadata  *string
	Version   int
	UpdatedAt time.Time
}

// CollectionStat aggregates one collection for one user. A collection
// exists exactly while at least one of its chunks does.
type CollectionStat struct {
	Name          string
	ChunkCount    int
	LatestUpdated time.Time
}

// UpsertInput carries a full-replacement write. Metadata nil clears the
// stored metadata.
type UpsertInput struct {
	UserID         string
	CollectionName string
	ChunkID        string
	EncryptedData  []byte
	IV             []byte
	Metadata       *string
}

// PatchInput carries a partial update. Each Set flag marks its field as
// supplied; an unsupplied field keeps its stored value. SetMetadata with
// Metadata nil stores an explicit null, which is distinct from not
// supplying metadata at all.
type PatchInput struct {
	UserID         string
	CollectionName string
	ChunkID        string
	SetData        bool
	EncryptedData  []byte
	SetIV          bool
	IV             []byte
	SetMetadata    bool
	Metadata       *string
}
