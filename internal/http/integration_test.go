package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
)

type errorResponse struct {
	Error string `json:"error"`
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// TestRunningServer exercises a deployed instance. It needs no credentials
// so it only covers the unauthenticated display surface.
func TestRunningServer(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("ATTENDANCE_HTTP_ADDR", "http://127.0.0.1:8083")

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}

	body, _ := json.Marshal(map[string]string{"code": "ZZZZZZ"})
	resp, err := http.Post(baseURL+"/display/validate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("validate request: %v", err)
	}
	defer resp.Body.Close()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// A previous run may have locked this client out already.
	if resp.StatusCode == http.StatusTooManyRequests {
		if out.Error != "too_many_attempts" {
			t.Fatalf("expected too_many_attempts, got %s", out.Error)
		}
		return
	}
	if resp.StatusCode != http.StatusNotFound || out.Error != "invalid_session_code" {
		t.Fatalf("expected invalid_session_code, got %d %s", resp.StatusCode, out.Error)
	}
}
