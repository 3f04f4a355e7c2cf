// Package auth verifies bearer tokens and carries the caller's user id
// through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type ctxKey struct{}

// Claims follows the token layout issued by the account service:
// {"user": {"id": 42}}.
type Claims struct {
	User struct {
		ID int64 `json:"id"`
	} `json:"user"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, errors.Join(ErrInvalidToken, err)
	}
	if claims.User.ID <= 0 {
		return 0, ErrInvalidToken
	}
	return claims.User.ID, nil
}

// Sign issues a token for userID. Used by tooling and tests.
func (v *Verifier) Sign(userID int64, claims jwt.RegisteredClaims) (string, error) {
	c := Claims{RegisteredClaims: claims}
	c.User.ID = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Middleware rejects requests without a valid token. When allowQuery is set a
// "token" query parameter is accepted as well, for websocket upgrades that
// cannot set headers.
func (v *Verifier) Middleware(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r.Header.Get("Authorization"))
			if token == "" && allowQuery {
				token = r.URL.Query().Get("token")
			}
			id, err := v.Verify(token)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"Unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}

func bearer(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
