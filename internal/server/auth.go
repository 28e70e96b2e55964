package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role is an operator privilege level. Higher roles include lower ones.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleDevice
	RoleOps
	RoleAdmin
)

var roleNames = map[string]Role{
	"viewer": RoleViewer,
	"device": RoleDevice,
	"ops":    RoleOps,
	"admin":  RoleAdmin,
}

func (r Role) String() string {
	for name, v := range roleNames {
		if v == r {
			return name
		}
	}
	return "unknown"
}

// ParseRole maps a role name to a Role.
func ParseRole(name string) (Role, bool) {
	r, ok := roleNames[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

type authPrincipal struct {
	Name string
	Role Role
}

type ctxKey string

const ctxPrincipalKey ctxKey = "auth_principal"

// Claims are the bearer token claims honored by the API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolvePrincipal(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "UNAUTHORIZED")
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) authPrincipal {
	if v, ok := ctx.Value(ctxPrincipalKey).(authPrincipal); ok {
		return v
	}
	return authPrincipal{Name: "anonymous", Role: RoleAdmin}
}

// resolvePrincipal reads the caller's role from a bearer token when a JWT
// secret is configured, otherwise from the X-Role header (default admin).
func (s *Server) resolvePrincipal(r *http.Request) (authPrincipal, error) {
	if s.cfg.JWTSecret == "" {
		role := RoleAdmin
		if raw := strings.TrimSpace(r.Header.Get("X-Role")); raw != "" {
			var ok bool
			if role, ok = ParseRole(raw); !ok {
				return authPrincipal{}, errors.New("unknown role")
			}
		}
		name := strings.TrimSpace(r.Header.Get("X-Actor"))
		if name == "" {
			name = role.String()
		}
		return authPrincipal{Name: name, Role: role}, nil
	}

	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return authPrincipal{}, errors.New("missing bearer token")
	}
	claims, err := parseJWT(strings.TrimSpace(token), []byte(s.cfg.JWTSecret))
	if err != nil {
		return authPrincipal{}, errors.New("invalid bearer token")
	}
	role, ok := ParseRole(claims.Role)
	if !ok {
		return authPrincipal{}, errors.New("invalid role claim")
	}
	name := claims.Subject
	if name == "" {
		name = role.String()
	}
	return authPrincipal{Name: name, Role: role}, nil
}

func parseJWT(tokenString string, secret []byte) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// SignToken issues an HS256 token carrying role. Used by the CLI and tests.
func SignToken(secret, subject string, role Role) (string, error) {
	claims := Claims{
		Role:             role.String(),
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// requireRole rejects callers below min with 403.
func requireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principalFromContext(r.Context()).Role < min {
				writeError(w, http.StatusForbidden, "insufficient role permissions", "FORBIDDEN")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
