package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Actor identifies a verified principal. Admin-only paths (dispute
// adjudication, kill-switch toggling) require Type == ActorTypeAdmin.
type Actor struct {
	ID   string
	Type string
}

const (
	ActorTypeAdmin   = "admin"
	ActorTypeService = "service"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier parses HS256 actor tokens minted for operator tooling.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	if sub == "" || actorType == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: sub, Type: actorType}, nil
}

// IssueActorToken mints a short-lived HS256 token for the given actor. Used
// by operator CLIs; the daemon itself only verifies.
func IssueActorToken(secret string, actor Actor, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	claims := jwt.MapClaims{
		"sub":        actor.ID,
		"actor_type": actor.Type,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// CheckCredential compares a bcrypt hash (produced by cmd/credhash) against a
// cleartext secret.
func CheckCredential(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
