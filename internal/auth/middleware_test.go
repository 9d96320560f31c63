package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func run(t *testing.T, apiKey string, headers map[string]string) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/halt", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	RequireAdmin(apiKey)(c)
	return w, c
}

func TestRequireAdmin_NoKeyConfiguredPasses(t *testing.T) {
	_, c := run(t, "", nil)
	if c.IsAborted() {
		t.Error("Expected request to pass when no admin key is configured")
	}
	if Operator(c) != defaultOperator {
		t.Errorf("Operator = %q, want %q", Operator(c), defaultOperator)
	}
}

func TestRequireAdmin_CorrectKey(t *testing.T) {
	_, c := run(t, "supersecret123", map[string]string{
		"Authorization": "Bearer supersecret123",
		HeaderOperator:  "alice",
	})
	if c.IsAborted() {
		t.Error("Expected correct admin key to pass")
	}
	if Operator(c) != "alice" {
		t.Errorf("Operator = %q, want alice", Operator(c))
	}
}

func TestRequireAdmin_SchemeIsCaseInsensitive(t *testing.T) {
	_, c := run(t, "supersecret123", map[string]string{"Authorization": "bearer supersecret123"})
	if c.IsAborted() {
		t.Error("Expected lowercase scheme to pass")
	}
}

func TestRequireAdmin_WrongKey(t *testing.T) {
	w, _ := run(t, "supersecret123", map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong key, got %d", w.Code)
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	w, _ := run(t, "supersecret123", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing header, got %d", w.Code)
	}
}

func TestRequireAdmin_NonBearerScheme(t *testing.T) {
	w, _ := run(t, "supersecret123", map[string]string{"Authorization": "Basic c3VwZXJzZWNyZXQ="})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for basic auth, got %d", w.Code)
	}
}
