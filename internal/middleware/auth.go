// Package middleware provides HTTP middleware for the Plaza API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plaza-social/plaza/internal/errors"
	internalhttputil "github.com/plaza-social/plaza/internal/httputil"
	"github.com/plaza-social/plaza/internal/logging"
)

// Roles resolved for authenticated users.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims are the claims Supabase Auth puts in a user access token. The user
// ID is the subject.
type Claims struct {
	Email       string      `json:"email,omitempty"`
	Role        string      `json:"role,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// AppMetadata is the server-controlled part of the user record.
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// AuthMiddleware validates Supabase access tokens (HS256, project JWT secret).
type AuthMiddleware struct {
	secret    []byte
	admins    map[string]struct{}
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware. adminIDs are
// user IDs that get the admin role regardless of their token.
func NewAuthMiddleware(secret []byte, adminIDs []string, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		secret:    secret,
		admins:    parseSet(adminIDs),
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.Subject)
		ctx = logging.WithRole(ctx, m.resolveRole(claims))

		m.logger.WithContext(ctx).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so those may pass the token as ?access_token=.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", errors.Unauthorized("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Unauthorized("Invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// ValidateToken parses and verifies an access token.
func (m *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	// Anonymous and service-role tokens are not user sessions.
	if claims.Role != "" && claims.Role != "authenticated" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "not a user token")
	}
	return claims, nil
}

func (m *AuthMiddleware) resolveRole(claims *Claims) string {
	if claims.AppMetadata.Role == RoleAdmin {
		return RoleAdmin
	}
	if _, ok := m.admins[claims.Subject]; ok {
		return RoleAdmin
	}
	return RoleUser
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(r *http.Request) string {
	return logging.GetUserID(r.Context())
}

// IsAdmin reports whether the request was made by an admin.
func IsAdmin(r *http.Request) bool {
	return logging.GetRole(r.Context()) == RoleAdmin
}

// RequireAdmin rejects non-admin callers with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r) == "" {
			internalhttputil.Unauthorized(w, r, "")
			return
		}
		if !IsAdmin(r) {
			internalhttputil.WriteError(w, r, errors.Forbidden("Admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseSet(values []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}
