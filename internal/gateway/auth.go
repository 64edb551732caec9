package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"

	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/utils"
)

// Credential is the verified identity behind a request.
type Credential struct {
	CallerCode string
	UserID     string
	GroupID    string // group the key is bound to; empty means unrestricted
}

// Authenticator verifies bearer credentials. Two forms are accepted:
// database API keys (sk-...) and, when a secret is configured, HS256 JWTs
// minted by the platform with caller/user/group claims.
type Authenticator struct {
	store     *pool.Store
	jwtSecret []byte
}

func NewAuthenticator(store *pool.Store, jwtSecret string) *Authenticator {
	a := &Authenticator{store: store}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Authenticate resolves the Authorization header to a credential.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Credential, *GatewayError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, Errf(CodeUnauthorized, "missing Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		return nil, Errf(CodeUnauthorized, "malformed Authorization header")
	}

	// JWTs are three dot-separated segments; API keys never contain dots.
	if a.jwtSecret != nil && strings.Count(token, ".") == 2 {
		return a.verifyJWT(token)
	}
	return a.lookupAPIKey(ctx, token)
}

func (a *Authenticator) lookupAPIKey(ctx context.Context, key string) (*Credential, *GatewayError) {
	rec, err := a.store.GetAPIKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		log.Debug().Str("key", utils.MaskKey(key)).Msg("unknown api key")
		return nil, Errf(CodeUnauthorized, "invalid API key")
	}
	if err != nil {
		log.Error().Err(err).Msg("api key lookup failed")
		return nil, Errf(CodeInternalError, "credential lookup failed")
	}
	return &Credential{
		CallerCode: rec.CallerCode,
		UserID:     rec.UserID,
		GroupID:    rec.GroupID,
	}, nil
}

func (a *Authenticator) verifyJWT(raw string) (*Credential, *GatewayError) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, Errf(CodeUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, Errf(CodeUnauthorized, "invalid token claims")
	}

	cred := &Credential{
		CallerCode: claimString(claims, "caller"),
		UserID:     claimString(claims, "user_id"),
		GroupID:    claimString(claims, "group_id"),
	}
	if cred.CallerCode == "" {
		return nil, Errf(CodeUnauthorized, "token missing caller claim")
	}
	return cred, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
