package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plaza-social/plaza/internal/logging"
)

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func generateTestToken(t *testing.T, secret []byte, userID string, expired bool, mutate ...func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		Email: "test@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if expired {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	}
	for _, fn := range mutate {
		fn(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewAuthMiddleware(t *testing.T) {
	logger := logging.New("test", "info", "json")
	middleware := NewAuthMiddleware(testSecret, []string{" admin-1 ", ""}, logger, []string{"/health", "/metrics"})

	if middleware == nil {
		t.Fatal("NewAuthMiddleware() returned nil")
	}
	if len(middleware.skipPaths) != 2 {
		t.Errorf("skipPaths length = %d, want 2", len(middleware.skipPaths))
	}
	if _, ok := middleware.admins["admin-1"]; !ok || len(middleware.admins) != 1 {
		t.Errorf("admins = %v, want only admin-1", middleware.admins)
	}
}

func TestAuthMiddleware_Handler_SkipPaths(t *testing.T) {
	logger := logging.New("test", "info", "json")
	handler := NewAuthMiddleware(testSecret, nil, logger, []string{"/health"}).Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Handler_MissingAuthHeader(t *testing.T) {
	logger := logging.New("test", "info", "json")
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/threads", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_Handler_InvalidAuthHeaderFormat(t *testing.T) {
	logger := logging.New("test", "info", "json")
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "token123"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/threads", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_Handler_ValidToken(t *testing.T) {
	logger := logging.New("test", "info", "json")

	var capturedUserID string
	var admin bool
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r)
		admin = IsAdmin(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, "user-123", false))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("User ID = %v, want user-123", capturedUserID)
	}
	if admin {
		t.Error("plain user resolved as admin")
	}
}

func TestAuthMiddleware_Handler_ExpiredToken(t *testing.T) {
	logger := logging.New("test", "info", "json")
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(okHandler())

	req := httptest.NewRequest("GET", "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, "user-123", true))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_Handler_WrongSecret(t *testing.T) {
	logger := logging.New("test", "info", "json")
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(okHandler())

	req := httptest.NewRequest("GET", "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, []byte("another-secret-that-is-long-enough-to-use"), "user-123", false))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsServiceRoleToken(t *testing.T) {
	logger := logging.New("test", "info", "json")
	middleware := NewAuthMiddleware(testSecret, nil, logger, nil)

	token := generateTestToken(t, testSecret, "user-123", false, func(c *Claims) { c.Role = "service_role" })
	if _, err := middleware.ValidateToken(token); err == nil {
		t.Fatal("expected service_role token to be rejected")
	}
}

func TestAuthMiddleware_AdminResolution(t *testing.T) {
	logger := logging.New("test", "info", "json")
	middleware := NewAuthMiddleware(testSecret, []string{"allowlisted"}, logger, nil)

	tests := []struct {
		name   string
		userID string
		meta   string
		want   bool
	}{
		{"allowlist", "allowlisted", "", true},
		{"app metadata", "someone", RoleAdmin, true},
		{"plain user", "someone", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var admin bool
			handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				admin = IsAdmin(r)
			}))
			token := generateTestToken(t, testSecret, tt.userID, false, func(c *Claims) { c.AppMetadata.Role = tt.meta })
			req := httptest.NewRequest("GET", "/api/admin/topups", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if admin != tt.want {
				t.Errorf("admin = %v, want %v", admin, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_WebsocketQueryToken(t *testing.T) {
	logger := logging.New("test", "info", "json")
	var capturedUserID string
	handler := NewAuthMiddleware(testSecret, nil, logger, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r)
	}))

	token := generateTestToken(t, testSecret, "user-ws", false)

	plain := httptest.NewRequest("GET", "/api/realtime?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, plain)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("query token without upgrade: status = %d, want 401", rec.Code)
	}

	upgrade := httptest.NewRequest("GET", "/api/realtime?access_token="+token, nil)
	upgrade.Header.Set("Upgrade", "websocket")
	handler.ServeHTTP(httptest.NewRecorder(), upgrade)
	if capturedUserID != "user-ws" {
		t.Fatalf("User ID = %q, want user-ws", capturedUserID)
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(okHandler())

	anon := httptest.NewRecorder()
	handler.ServeHTTP(anon, httptest.NewRequest("GET", "/api/admin/topups", nil))
	if anon.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", anon.Code)
	}

	req := httptest.NewRequest("GET", "/api/admin/topups", nil)
	req = req.WithContext(logging.WithRole(logging.WithUserID(req.Context(), "u1"), RoleUser))
	user := httptest.NewRecorder()
	handler.ServeHTTP(user, req)
	if user.Code != http.StatusForbidden {
		t.Errorf("user status = %d, want 403", user.Code)
	}

	req = req.WithContext(logging.WithRole(req.Context(), RoleAdmin))
	admin := httptest.NewRecorder()
	handler.ServeHTTP(admin, req)
	if admin.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", admin.Code)
	}
}
