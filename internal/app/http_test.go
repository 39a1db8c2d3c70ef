package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vaultsync/api/internal/auth"
	"vaultsync/api/internal/store"
	"vaultsync/api/internal/testutil"
)

const testAPIKey = "test-api-key"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return newTestHandlerWithLimiter(t, nil)
}

func newTestHandlerWithLimiter(t *testing.T, limiter RateLimiter) http.Handler {
	t.Helper()
	verifier, err := auth.NewVerifier(testAPIKey, "")
	if err != nil {
		t.Fatalf("verifier setup failed: %v", err)
	}
	service := New(store.NewMemoryStore())
	server := NewHTTPServer(service, verifier, limiter, "*", testutil.MakeNoopLogger())
	return server.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func doRawRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not valid JSON: %v\n%s", err, rr.Body.String())
	}
	return payload
}

func upsertBody(chunkID string, encrypted, iv []int, metadata *string) map[string]any {
	body := map[string]any{
		"chunk_id":  chunkID,
		"encrypted": encrypted,
		"iv":        iv,
	}
	if metadata != nil {
		body["metadata"] = *metadata
	}
	return body
}
