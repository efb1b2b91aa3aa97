package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"plenario/internal/repo"
)

// AuthConfig controls request identification. RBAC lives outside this
// service; the middleware only establishes who the actor is.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Principal identifies the authenticated actor on a request.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

var errNoCredentials = errors.New("no credentials presented")

// resolvePrincipal inspects the request headers in precedence order:
// bearer JWT, then X-Api-Key, then the deprecated X-Actor-Id escape
// hatch. errNoCredentials means nothing was presented at all.
func resolvePrincipal(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		fields := strings.Fields(authz)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
			return Principal{}, errors.New("malformed authorization header")
		}
		return principalFromJWT(fields[1], cfg.JWTSecret)
	}

	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return principalFromAPIKey(req.Context(), r, key)
	}

	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && cfg.AllowLegacyActorHeader {
		cfg.logger().Printf("WARNING: accepting legacy X-Actor-Id header without credentials (actor_id=%s); this path is deprecated", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}

	return Principal{}, errNoCredentials
}

func principalFromJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &tokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	switch {
	case err != nil:
		return Principal{}, err
	case !parsed.Valid:
		return Principal{}, errors.New("invalid token")
	case claims.Subject == "":
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func principalFromAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	record, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if record.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: record.ActorID, Source: "api_key"}, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			open := req.URL.Path == healthPath ||
				(basePath != "" && !strings.HasPrefix(req.URL.Path, basePath))
			if open {
				next.ServeHTTP(w, req)
				return
			}

			principal, err := resolvePrincipal(req, cfg, r)
			if err != nil {
				code, msg := "invalid_credentials", "invalid credentials"
				if errors.Is(err, errNoCredentials) {
					code, msg = "unauthorized", "authentication required"
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, msg, nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
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
