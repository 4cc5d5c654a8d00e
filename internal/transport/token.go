package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

const (
	peerTokenIssuer = "concord-peer"
	peerTokenTTL    = 2 * time.Minute
)

var (
	// ErrPeerUnauthorized indicates a peer token that does not prove the claimed identity.
	ErrPeerUnauthorized = errors.New("transport: peer authentication failed")
	// ErrPeerNotAllowed indicates an authenticated peer outside the allowlist.
	ErrPeerNotAllowed = errors.New("transport: peer not in allowlist")
)

// PeerTokens signs and verifies the short-lived EdDSA tokens peers exchange during the websocket handshake.
// The subject is the signer's hex public key, so a token is verifiable without prior key exchange.
type PeerTokens struct {
	key   identity.KeyPair
	clock func() time.Time
}

// NewPeerTokens constructs a PeerTokens for key.
func NewPeerTokens(key identity.KeyPair, clock func() time.Time) *PeerTokens {
	if clock == nil {
		clock = time.Now
	}
	return &PeerTokens{key: key, clock: clock}
}

// Issue signs a token addressed to audience.
func (p *PeerTokens) Issue(audience identity.PeerID) (string, error) {
	now := p.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   p.key.ID.String(),
		Issuer:    peerTokenIssuer,
		Audience:  []string{audience.String()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(peerTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(p.key.Private)
	if err != nil {
		return "", fmt.Errorf("transport: sign peer token: %w", err)
	}
	return signed, nil
}

// Verify checks a token addressed to us and returns the identity that signed it.
func (p *PeerTokens) Verify(tokenString string) (identity.PeerID, error) {
	claims := &jwt.RegisteredClaims{}
	var signer identity.PeerID
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			peerID, err := identity.NewPeerID(claims.Subject)
			if err != nil {
				return nil, err
			}
			publicKey, err := peerID.PublicKey()
			if err != nil {
				return nil, err
			}
			signer = peerID
			return publicKey, nil
		},
		jwt.WithAudience(p.key.ID.String()),
		jwt.WithIssuer(peerTokenIssuer),
		jwt.WithTimeFunc(p.clock),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerUnauthorized, err)
	}
	if signer == p.key.ID {
		return "", fmt.Errorf("%w: token signed by ourselves", ErrPeerUnauthorized)
	}
	return signer, nil
}
