package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultsync/api/internal/auth"
	"vaultsync/api/internal/logger"
	"vaultsync/api/internal/store"
)

// RateLimiter gates requests per caller. A nil limiter disables limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	limiter    RateLimiter
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, verifier *auth.Verifier, limiter RateLimiter, corsOrigin string, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		verifier:   verifier,
		limiter:    limiter,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		s.handleHealth(w, r)
		return
	}

	if !s.verifier.Verify(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}

	userID := parts[0]
	if !s.allowRequest(w, r, userID) {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		s.handleListCollections(w, r, userID)

	// The literal chunks/all segment pair is dispatched before collection
	// routes, so "chunks" is not usable as a collection name here.
	case len(parts) == 3 && parts[1] == "chunks" && parts[2] == "all":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		s.handleSyncAll(w, r, userID)

	case len(parts) == 3 && parts[2] == "chunks":
		collection := parts[1]
		switch r.Method {
		case http.MethodPost:
			s.handleUpsertChunk(w, r, userID, collection)
		case http.MethodGet:
			s.handleListChunks(w, r, userID, collection)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}

	case len(parts) == 4 && parts[2] == "chunks":
		collection := parts[1]
		if parts[3] == "since" {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
				return
			}
			s.handleSyncCollection(w, r, userID, collection)
			return
		}
		chunkID := parts[3]
		switch r.Method {
		case http.MethodGet:
			s.handleGetChunk(w, r, userID, collection, chunkID)
		case http.MethodDelete:
			s.handleDeleteChunk(w, r, userID, collection, chunkID)
		case http.MethodPatch:
			s.handlePatchChunk(w, r, userID, collection, chunkID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"timestamp": formatTime(time.Now()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": formatTime(time.Now()),
	})
}

// allowRequest applies the rate limit when one is configured. Redis
// failures let the request through; throttling is best effort and must
// not take the storage path down with it.
func (s *HTTPServer) allowRequest(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(r.Context(), userID)
	if err != nil {
		s.log.Warn("rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		return false
	}
	return true
}

func (s *HTTPServer) handleUpsertChunk(w http.ResponseWriter, r *http.Request, userID, collection string) {
	var body struct {
		ChunkID   string  `json:"chunk_id"`
		Encrypted *[]int  `json:"encrypted"`
		IV        *[]int  `json:"iv"`
		Metadata  *string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "chunk_id is required")
		return
	}
	if body.Encrypted == nil || body.IV == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid data format")
		return
	}
	data, ok := toBytes(*body.Encrypted)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "encrypted must be array of integers 0-255")
		return
	}
	iv, ok := toBytes(*body.IV)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "iv must be array of integers 0-255")
		return
	}

	chunk, err := s.service.UpsertChunk(r.Context(), store.UpsertInput{
		UserID:         userID,
		CollectionName: collection,
		ChunkID:        body.ChunkID,
		EncryptedData:  data,
		IV:             iv,
		Metadata:       normalizeMetadata(body.Metadata),
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"chunk_id":   chunk.ChunkID,
		"version":    chunk.Version,
		"updated_at": formatTime(chunk.UpdatedAt),
	})
}

func (s *HTTPServer) handleGetChunk(w http.ResponseWriter, r *http.Request, userID, collection, chunkID string) {
	chunk, err := s.service.GetChunk(r.Context(), userID, collection, chunkID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_id":   chunk.ChunkID,
		"encrypted":  toInts(chunk.EncryptedData),
		"iv":         toInts(chunk.IV),
		"metadata":   chunk.Metadata,
		"version":    chunk.Version,
		"updated_at": formatTime(chunk.UpdatedAt),
	})
}

func (s *HTTPServer) handleListChunks(w http.ResponseWriter, r *http.Request, userID, collection string) {
	items, err := s.service.ListChunks(r.Context(), userID, collection)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	chunks := make([]map[string]any, 0, len(items))
	for _, item := range items {
		chunks = append(chunks, map[string]any{
			"chunk_id":   item.ChunkID,
			"metadata":   item.Metadata,
			"version":    item.Version,
			"updated_at": formatTime(item.UpdatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *HTTPServer) handleDeleteChunk(w http.ResponseWriter, r *http.Request, userID, collection, chunkID string) {
	if err := s.service.DeleteChunk(r.Context(), userID, collection, chunkID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handlePatchChunk(w http.ResponseWriter, r *http.Request, userID, collection, chunkID string) {
	var body struct {
		Encrypted *[]int          `json:"encrypted"`
		IV        *[]int          `json:"iv"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Encrypted != nil && body.IV == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "If encrypted is provided, iv must also be provided")
		return
	}

	in := store.PatchInput{
		UserID:         userID,
		CollectionName: collection,
		ChunkID:        chunkID,
	}
	if body.Encrypted != nil {
		data, ok := toBytes(*body.Encrypted)
		if !ok {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "encrypted must be array of integers 0-255")
			return
		}
		in.SetData = true
		in.EncryptedData = data
	}
	if body.IV != nil {
		iv, ok := toBytes(*body.IV)
		if !ok {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "iv must be array of integers 0-255")
			return
		}
		in.SetIV = true
		in.IV = iv
	}
	// A metadata key present in the body marks the field as supplied; an
	// explicit null or empty string clears the stored metadata.
	if len(body.Metadata) > 0 {
		in.SetMetadata = true
		if string(body.Metadata) != "null" {
			var value string
			if err := json.Unmarshal(body.Metadata, &value); err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "metadata must be a string")
				return
			}
			in.Metadata = normalizeMetadata(&value)
		}
	}

	chunk, err := s.service.PatchChunk(r.Context(), in)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"chunk_id":   chunk.ChunkID,
		"version":    chunk.Version,
		"updated_at": formatTime(chunk.UpdatedAt),
	})
}

func (s *HTTPServer) handleSyncCollection(w http.ResponseWriter, r *http.Request, userID, collection string) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid `since` timestamp")
		return
	}
	result, err := s.service.SyncCollection(r.Context(), userID, collection, since)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	chunks := make([]map[string]any, 0, len(result.Chunks))
	for _, chunk := range result.Chunks {
		chunks = append(chunks, syncChunkPayload(chunk, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":      chunks,
		"latest_sync": formatTime(result.LatestSync),
	})
}

func (s *HTTPServer) handleSyncAll(w http.ResponseWriter, r *http.Request, userID string) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid `since` timestamp")
		return
	}
	result, err := s.service.SyncAll(r.Context(), userID, since)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	chunks := make([]map[string]any, 0, len(result.Chunks))
	for _, chunk := range result.Chunks {
		chunks = append(chunks, syncChunkPayload(chunk, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":      chunks,
		"latest_sync": formatTime(result.LatestSync),
	})
}

func (s *HTTPServer) handleListCollections(w http.ResponseWriter, r *http.Request, userID string) {
	stats, err := s.service.ListCollections(r.Context(), userID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	collections := make([]map[string]any, 0, len(stats))
	for _, stat := range stats {
		collections = append(collections, map[string]any{
			"name":           stat.Name,
			"chunk_count":    stat.ChunkCount,
			"latest_updated": formatTime(stat.LatestUpdated),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": collections})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, code, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func syncChunkPayload(chunk store.Chunk, includeCollection bool) map[string]any {
	payload := map[string]any{
		"chunk_id":   chunk.ChunkID,
		"encrypted":  toInts(chunk.EncryptedData),
		"iv":         toInts(chunk.IV),
		"metadata":   chunk.Metadata,
		"version":    chunk.Version,
		"updated_at": formatTime(chunk.UpdatedAt),
	}
	if includeCollection {
		payload["collection"] = chunk.CollectionName
	}
	return payload
}

func parseSince(r *http.Request) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// toBytes converts a JSON integer array into raw bytes, rejecting any
// element outside [0,255].
func toBytes(values []int) ([]byte, bool) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, false
		}
		out[i] = byte(v)
	}
	return out, true
}

// toInts renders payload bytes as the wire's integer-array form. Always
// non-nil so empty payloads encode as [] rather than null.
func toInts(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}

// normalizeMetadata maps empty metadata to an explicit null, matching the
// wire contract's "empty clears" rule.
func normalizeMetadata(metadata *string) *string {
	if metadata == nil || *metadata == "" {
		return nil
	}
	return metadata
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Chunk not found"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error"
}
