package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
	bearerPrefix    = "Bearer "
)

var (
	ErrMissingSigningSecret = errors.New("actor tokens: signing secret must be provided")
	ErrMissingSubject       = errors.New("actor tokens: subject claim must be provided")
	ErrMissingToken         = errors.New("actor tokens: token required")
	ErrInvalidToken         = errors.New("actor tokens: invalid token")
	ErrExpiredToken         = errors.New("actor tokens: token expired")
)

// ActorClaims is the payload of an actor token. The subject is the verified actor the identity
// collaborator vouches for.
type ActorClaims struct {
	Nick string `json:"nick,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 actor token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates actor tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueActorToken produces a signed JWT and its expiry (seconds) for actor.
func (i *TokenIssuer) IssueActorToken(_ context.Context, actor, nick string) (string, int64, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := ActorClaims{
		Nick: strings.TrimSpace(nick),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the actor token is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (ActorClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return ActorClaims{}, ErrMissingToken
	}

	claims := &ActorClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ActorClaims{}, ErrExpiredToken
		}
		return ActorClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ActorClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (ActorClaims, error) {
	if r == nil {
		return ActorClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ActorClaims{}, ErrMissingToken
	}
	return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
