package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	"github.com/lumascan/lumascan/internal/platform/requestctx"
	identitydomain "github.com/lumascan/lumascan/internal/services/identity/domain"
)

const sessionTokenTTL = 24 * time.Hour

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

func mintSessionToken(secret []byte, sessionID string, now time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lumascan",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

func parseSessionToken(secret []byte, raw string) (string, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer("lumascan"), jwt.WithExpirationRequired())
	if err != nil {
		return "", perrors.Wrap(perrors.CodeSessionInvalid, "parse session token", err)
	}
	if !token.Valid || strings.TrimSpace(claims.SessionID) == "" {
		return "", perrors.New(perrors.CodeSessionInvalid, "session token is invalid")
	}
	return claims.SessionID, nil
}

// withSession authenticates the bearer token, verifies the session is still
// live, and stores the session id in the request context.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			writeError(w, perrors.New(perrors.CodeSessionInvalid, "missing bearer token"))
			return
		}
		sessionID, err := parseSessionToken(s.sessionSecret, strings.TrimSpace(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.identity.Session(sessionID); err != nil {
			writeError(w, mapDomainError(err))
			return
		}
		next(w, r.WithContext(requestctx.WithSessionID(r.Context(), sessionID)))
	}
}

func (s *Server) sessionFromRequest(r *http.Request) (identitydomain.Session, error) {
	sessionID := requestctx.SessionIDFromContext(r.Context())
	if sessionID == "" {
		return identitydomain.Session{}, perrors.New(perrors.CodeSessionNotFound, "no session in request context")
	}
	session, err := s.identity.Session(sessionID)
	if err != nil {
		return identitydomain.Session{}, mapDomainError(err)
	}
	return session, nil
}
