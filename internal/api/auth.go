package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const actorIDKey contextKey = "actor_id"

// ActorMiddleware resolves the acting user from the Authorization bearer
// token (HS256, subject claim = staff id). Role resolution stays with the
// access directory; this layer only establishes identity. In dev an
// X-Actor-ID header is accepted so the API can be driven without minting
// tokens.
func ActorMiddleware(secret string, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, ok := resolveActor(r, secret, devMode)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), actorIDKey, actorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveActor(r *http.Request, secret string, devMode bool) (uuid.UUID, bool) {
	auth := r.Header.Get("Authorization")
	if raw, found := strings.CutPrefix(auth, "Bearer "); found {
		return parseActorToken(raw, secret)
	}

	if devMode {
		if header := r.Header.Get("X-Actor-ID"); header != "" {
			id, err := uuid.Parse(header)
			return id, err == nil
		}
	}

	return uuid.Nil, false
}

func parseActorToken(raw, secret string) (uuid.UUID, bool) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return uuid.Nil, false
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(sub)
	return id, err == nil
}

// GetActorID retrieves the authenticated actor from context.
func GetActorID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorIDKey).(uuid.UUID)
	return id, ok
}
