package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	JWTSecret string
	// TokenTTL bounds how long an agent token stays valid. Zero means
	// tokens do not expire, matching the platform's run-length sessions.
	TokenTTL time.Duration
}

type principalKey struct{}

func withAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, principalKey{}, agentID)
}

func agentIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if id, ok := ctx.Value(principalKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// IssueAgentToken signs a bearer token identifying a registered agent. The
// token carries identity only; agents are trusted to hold one id each.
func (c AuthConfig) IssueAgentToken(agentID string, now time.Time) (string, error) {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:  agentID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if c.TokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.TokenTTL))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.JWTSecret))
}

func (c AuthConfig) authenticate(token string) (string, error) {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	registerPath := path.Join(basePath, "agents")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			// Registration is the one open write: an agent has no
			// credentials until the platform hands it an id.
			if req.URL.Path == registerPath && req.Method == http.MethodPost {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			agentID, err := cfg.authenticate(token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withAgentID(req.Context(), agentID)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
