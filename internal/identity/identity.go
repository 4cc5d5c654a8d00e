package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPeerID indicates that a peer identity is not a hex-encoded ed25519 public key.
	ErrInvalidPeerID = errors.New("identity: invalid peer id")
	// ErrInvalidSeed indicates that a key seed is not a hex-encoded ed25519 seed.
	ErrInvalidSeed = errors.New("identity: invalid key seed")
)

const shortIDLength = 8

// PeerID is the stable cryptographic identity of a federation partner: the lowercase
// hex encoding of its ed25519 public key. Display names are never used in its place.
type PeerID string

// NewPeerID validates raw input and returns a PeerID.
func NewPeerID(rawInput string) (PeerID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidPeerID)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, ed25519.PublicKeySize, len(decoded))
	}
	return PeerID(trimmed), nil
}

// PeerIDFromPublicKey derives the PeerID for an ed25519 public key.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) PeerID {
	return PeerID(hex.EncodeToString(publicKey))
}

// String returns the hex identity.
func (id PeerID) String() string {
	return string(id)
}

// Short returns an abbreviated identity for log lines.
func (id PeerID) Short() string {
	if len(id) <= shortIDLength {
		return string(id)
	}
	return string(id[:shortIDLength])
}

// PublicKey decodes the identity back into an ed25519 public key.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	validated, err := NewPeerID(string(id))
	if err != nil {
		return nil, err
	}
	decoded, _ := hex.DecodeString(string(validated))
	return ed25519.PublicKey(decoded), nil
}

// KeyPair is the node's signing key together with its derived identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	ID      PeerID
}

// KeyFromSeedHex builds a KeyPair from a hex-encoded 32 byte seed.
func KeyFromSeedHex(seedHex string) (KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: not hex", ErrInvalidSeed)
	}
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	return keyFromSeed(seed), nil
}

// GenerateKey creates a fresh random KeyPair.
func GenerateKey() (KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return KeyPair{}, err
	}
	return keyFromSeed(seed), nil
}

// LoadOrCreateKey reads a hex seed from path, creating the file with a new seed when it does not exist.
func LoadOrCreateKey(path string) (KeyPair, error) {
	if strings.TrimSpace(path) == "" {
		return KeyPair{}, fmt.Errorf("identity: key path is required")
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		return KeyFromSeedHex(string(raw))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	keyPair, err := GenerateKey()
	if err != nil {
		return KeyPair{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return KeyPair{}, err
		}
	}
	seedHex := hex.EncodeToString(keyPair.Private.Seed())
	if err := os.WriteFile(path, []byte(seedHex+"\n"), 0o600); err != nil {
		return KeyPair{}, err
	}
	return keyPair, nil
}

func keyFromSeed(seed []byte) KeyPair {
	private := ed25519.NewKeyFromSeed(seed)
	public, _ := private.Public().(ed25519.PublicKey)
	return KeyPair{Private: private, ID: PeerIDFromPublicKey(public)}
}
