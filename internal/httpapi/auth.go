package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "pageel"

const (
	ScopeWorkspaceRead  = "workspace:read"
	ScopeWorkspaceWrite = "workspace:write"
	ScopeSettingsRead   = "settings:read"
	ScopeSettingsWrite  = "settings:write"
	ScopeConfigDelete   = "config:delete"
	ScopeSyncRead       = "sync:read"
)

// AllScopes is every scope the API checks.
var AllScopes = []string{
	ScopeWorkspaceRead, ScopeWorkspaceWrite,
	ScopeSettingsRead, ScopeSettingsWrite,
	ScopeConfigDelete, ScopeSyncRead,
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Repo    string
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func authorizeBearer(authHeader, jwtSecret, repoID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if repoID != "" && claims.Repo != repoID {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "repository mismatch",
		}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

// bearerClaims is the token payload. Scopes may be a list or a
// space-separated string.
type bearerClaims struct {
	Repo   string `json:"repo"`
	Scopes any    `json:"scopes"`
	jwt.RegisteredClaims
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var payload bearerClaims
	_, err := parser.ParseWithClaims(raw, &payload, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: bearerErrorMessage(err)}
	}
	if payload.Repo == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing repo claim"}
	}
	if payload.Subject == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}

	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}

	return tokenClaims{
		Repo:    payload.Repo,
		Subject: payload.Subject,
		Scopes:  scopes,
		Exp:     payload.ExpiresAt.Unix(),
	}, nil
}

func bearerErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "invalid exp claim"
	default:
		return "invalid bearer token"
	}
}

// IssueToken signs an HS256 bearer token accepted by the server.
func IssueToken(secret, repo, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" || repo == "" || subject == "" {
		return "", errors.New("secret, repo and subject are required")
	}
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, bearerClaims{
		Repo:   repo,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
